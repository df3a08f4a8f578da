package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/ollamanager/internal/ollama"
	"github.com/kalambet/ollamanager/internal/session"
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Chat with a model",
	Long: `Chat with a model, streaming the reply as it is generated.

With a prompt argument, sends one message and exits. Without one, starts an
interactive session; type /bye to quit, /new to start over. Ctrl-C stops the
reply being generated.

Examples:
  ollamanager chat
  ollamanager chat --model qwen2.5:7b --temperature 0.2 "Explain CRDTs briefly"
  ollamanager chat --resume 3f2a9c1e`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLocal()
		if err != nil {
			return err
		}
		defer l.Close()

		opts, err := chatOptionsFromFlags(cmd)
		if err != nil {
			return err
		}
		system, _ := cmd.Flags().GetString("system")
		if system == "" {
			system = l.cfg.Chat.SystemPrompt
		}
		noSave, _ := cmd.Flags().GetBool("no-save")
		var history session.History
		if l.cfg.Chat.SaveHistory && !noSave {
			history = l.store
		}

		var s *session.Session
		if resume, _ := cmd.Flags().GetString("resume"); resume != "" {
			id, err := resolveConversationID(l.store, resume)
			if err != nil {
				return err
			}
			if history == nil {
				history = l.store
				printWarning("resumed conversations are always saved")
			}
			s, err = session.Resume(l.client, history, id, session.WithOptions(opts))
			if err != nil {
				return err
			}
			printStep("Resuming %s with %s (%d messages)", id[:min(8, len(id))], s.Model(), len(s.Transcript()))
		} else {
			model, _ := cmd.Flags().GetString("model")
			if model == "" {
				model = l.cfg.Ollama.DefaultModel
			}
			if !l.client.HasModel(cmd.Context(), model) {
				if !l.client.IsRunning(cmd.Context()) {
					return ollama.ErrNotRunning
				}
				return fmt.Errorf("model %s is not installed; run: ollamanager models pull %s", model, model)
			}
			s = session.New(l.client, history, model, session.WithSystemPrompt(system), session.WithOptions(opts))
		}

		if len(args) > 0 {
			_, err := sendTurn(cmd.Context(), s, strings.Join(args, " "), os.Stdout)
			return err
		}
		return chatLoop(cmd.Context(), s, os.Stdin, os.Stdout, func() *session.Session {
			return session.New(l.client, history, s.Model(), session.WithSystemPrompt(system), session.WithOptions(opts))
		})
	},
}

func init() {
	addChatFlags(chatCmd)
}

func addChatFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("model", "m", "", "model to chat with (default from config ollama.default_model)")
	f.StringP("system", "s", "", "system prompt (default from config chat.system_prompt)")
	f.Float64("temperature", 0, "sampling temperature")
	f.Float64("top-p", 0, "nucleus sampling threshold")
	f.Int("top-k", 0, "top-k sampling")
	f.Int("num-ctx", 0, "context window size in tokens")
	f.Int("num-predict", 0, "maximum tokens to generate")
	f.Int("seed", 0, "random seed for reproducible output")
	f.String("keep-alive", "", "how long the model stays loaded after the reply, e.g. 5m")
	f.String("resume", "", "continue a saved conversation (id or id prefix)")
	f.Bool("no-save", false, "do not save this conversation to history")
}

// chatOptionsFromFlags turns explicitly set sampling flags into request
// fields. Unset flags are left to the model's defaults.
func chatOptionsFromFlags(cmd *cobra.Command) (ollama.Options, error) {
	f := cmd.Flags()
	sampling := map[string]any{}
	floatOpt := func(flag, key string) {
		if f.Changed(flag) {
			v, _ := f.GetFloat64(flag)
			sampling[key] = v
		}
	}
	intOpt := func(flag, key string) {
		if f.Changed(flag) {
			v, _ := f.GetInt(flag)
			sampling[key] = v
		}
	}
	floatOpt("temperature", "temperature")
	floatOpt("top-p", "top_p")
	intOpt("top-k", "top_k")
	intOpt("num-ctx", "num_ctx")
	intOpt("num-predict", "num_predict")
	intOpt("seed", "seed")

	if t, ok := sampling["temperature"].(float64); ok && (t < 0 || t > 2) {
		return nil, fmt.Errorf("--temperature must be between 0 and 2, got %g", t)
	}
	if p, ok := sampling["top_p"].(float64); ok && (p <= 0 || p > 1) {
		return nil, fmt.Errorf("--top-p must be in (0, 1], got %g", p)
	}

	opts := ollama.Options{}
	if len(sampling) > 0 {
		opts["options"] = sampling
	}
	if ka, _ := f.GetString("keep-alive"); ka != "" {
		opts["keep_alive"] = ka
	}
	return opts, nil
}

// sendTurn streams one reply to w. Ctrl-C cancels only this reply.
func sendTurn(ctx context.Context, s *session.Session, text string, w io.Writer) (string, error) {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	var final ollama.ChatChunk
	reply, err := s.Send(turnCtx, text, func(frag string, c ollama.ChatChunk) {
		if c.Final {
			final = c
			return
		}
		fmt.Fprint(w, frag)
	})
	fmt.Fprintln(w)
	if err != nil {
		if ollama.IsCancelled(err) && ctx.Err() == nil {
			printWarning("reply cancelled")
			return "", nil
		}
		return "", err
	}
	if final.EvalCount > 0 {
		fmt.Fprintln(os.Stderr, colorize(colorDim, fmt.Sprintf("%d tokens, %.1f tok/s, %s",
			final.EvalCount, final.TokensPerSecond(), formatDuration(final.TotalDuration))))
	}
	return reply, nil
}

// chatLoop reads prompts from in until EOF or /bye.
func chatLoop(ctx context.Context, s *session.Session, in io.Reader, w io.Writer, fresh func() *session.Session) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	prompt := colorize(colorGreen, ">>> ")

	for {
		fmt.Fprint(w, prompt)
		if !sc.Scan() {
			fmt.Fprintln(w)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/bye", "/exit", "/quit":
			return nil
		case "/new":
			s = fresh()
			printStep("New conversation with %s", s.Model())
			continue
		case "/help":
			fmt.Fprintln(w, "  /new   start a new conversation\n  /bye   exit")
			continue
		}

		if _, err := sendTurn(ctx, s, line, w); err != nil {
			printError("%v", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}
