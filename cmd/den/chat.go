package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dragonsden/den/pkg/agent"
	"github.com/dragonsden/den/pkg/audit"
	"github.com/dragonsden/den/pkg/dragon"
	"github.com/dragonsden/den/pkg/providers"
	"github.com/dragonsden/den/pkg/store"
)

func chatCmd() *cobra.Command {
	var providerName, model string
	var verbose bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the dragon from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			s, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			if cfg.Audit.Enabled {
				if j, err := audit.Open(cfg.Audit.Path); err == nil {
					defer j.Close()
					s.SetJournal(j)
				}
			}

			providerCfg, err := cfg.Provider(providerName)
			if err != nil {
				return err
			}
			if model != "" {
				providerCfg.Model = model
			}
			provider, err := providers.CreateProvider(providerCfg)
			if err != nil {
				return err
			}

			d := dragon.New(dragon.Options{
				Store:         s,
				Provider:      provider,
				Model:         providerCfg.Model,
				MaxTokens:     cfg.Agents.MaxTokens,
				Temperature:   cfg.Agents.Temperature,
				MaxIterations: cfg.Agents.MaxToolIterations,
				Listener:      consoleListener(verbose),
			})
			return chatLoop(d)
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "", "catalogue provider to use")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show tool calls and results")
	return cmd
}

// consoleListener prints turn progress. Tool traffic only shows up with -v.
func consoleListener(verbose bool) agent.Listener {
	return func(e agent.Event) {
		if !verbose {
			return
		}
		switch e.Type {
		case agent.EventToolCall:
			if d, ok := e.Data.(agent.ToolCallData); ok {
				fmt.Printf("  [tool] %s\n", d.Name)
			}
		case agent.EventToolResult:
			if d, ok := e.Data.(agent.ToolResultData); ok {
				result := d.Result
				if len(result) > 200 {
					result = result[:200] + "..."
				}
				fmt.Printf("  [%s] %s\n", d.Name, result)
			}
		}
	}
}

func chatLoop(d *dragon.Dragon) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".den_chat_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	fmt.Println("Talk to the dragon. 'exit' quits, '/reset' starts the conversation over.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			fmt.Println("Goodbye.")
			return nil
		}
		if err != nil {
			return err
		}

		input := strings.TrimSpace(line)
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			fmt.Println("Goodbye.")
			return nil
		case input == "/reset":
			d.Reset()
			fmt.Println("Conversation reset.")
			continue
		}

		answer, err := d.RunTurn(ctx, input)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Printf("\ndragon> %s\n\n", answer)
	}
}
