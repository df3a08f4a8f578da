package ollama

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Overview is a snapshot of the server: what is installed, what is loaded,
// and how much space both take.
type Overview struct {
	Version       string         `json:"version"`
	Models        []ModelInfo    `json:"models"`
	Running       []RunningModel `json:"running"`
	TotalSize     int64          `json:"total_size"`
	TotalVRAM     int64          `json:"total_vram"`
	RunningMemory int64          `json:"running_memory"`
}

// Overview fetches the installed models, running models and version
// concurrently. Any failure fails the whole snapshot.
func (c *Client) Overview(ctx context.Context) (Overview, error) {
	var ov Overview
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		models, err := c.ListModels(gctx)
		ov.Models = models
		return err
	})
	g.Go(func() error {
		running, err := c.RunningModels(gctx)
		ov.Running = running
		return err
	})
	g.Go(func() error {
		v, err := c.Version(gctx)
		ov.Version = v
		return err
	})
	if err := g.Wait(); err != nil {
		return Overview{}, err
	}

	for _, m := range ov.Models {
		ov.TotalSize += m.Size
	}
	for _, r := range ov.Running {
		ov.TotalVRAM += r.SizeVRAM
		ov.RunningMemory += r.Size
	}
	return ov, nil
}
