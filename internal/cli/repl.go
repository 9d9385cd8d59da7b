// Package cli is the interactive terminal front end: a readline chat
// loop over one local conversation.
package cli

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

	"github.com/hession/vox/internal/config"
	"github.com/hession/vox/internal/engine"
)

const (
	Version = "0.1.0"

	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorRed    = "\033[31m"
	colorGray   = "\033[90m"
)

// terminalConversation is the conversation the REPL talks in.
const terminalConversation = "terminal"

// Run starts the interactive chat loop against an initialized engine.
func Run(eng *engine.Engine, cfg *config.Settings) error {
	printWelcome(cfg)

	sess, err := eng.Session(terminalConversation)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            fmt.Sprintf("%sYou: %s", colorGreen, colorReset),
		HistoryFile:       historyFilePath(),
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Printf("\n%sGoodbye!%s\n", colorCyan, colorReset)
		cancel()
		rl.Close()
		os.Exit(0)
	}()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				fmt.Printf("%sPress Ctrl+C again or type /exit to quit%s\n", colorYellow, colorReset)
				continue
			}
			if err == io.EOF {
				fmt.Printf("%sGoodbye!%s\n", colorCyan, colorReset)
				return nil
			}
			return fmt.Errorf("failed to read input: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if handleCommand(input, eng, sess) {
				continue
			}
			return nil
		}

		chatTurn(ctx, sess, input)
	}
}

func printWelcome(cfg *config.Settings) {
	fmt.Printf("\n%sVOX v%s%s - local chat with long-term memory\n", colorCyan, Version, colorReset)
	if cfg.Model.Model != "" {
		fmt.Printf("%sModel: %s%s\n", colorGray, cfg.Model.Model, colorReset)
	}
	fmt.Printf("%sType /help for commands, /exit to quit%s\n\n", colorGray, colorReset)
}

func historyFilePath() string {
	dir := config.GetConfigDir()
	if dir == "" {
		return ""
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ""
	}
	return filepath.Join(dir, "repl_history")
}

// chatTurn runs one turn and streams the reply to the terminal.
func chatTurn(ctx context.Context, sess *engine.Session, input string) {
	fmt.Printf("\n%sVOX: %s", colorBlue, colorReset)

	reply, err := sess.Chat(ctx, input, engine.Turn{})
	if err != nil {
		fmt.Printf("\n%sError: %v%s\n\n", colorRed, err, colorReset)
		return
	}
	defer reply.Close()

	for _, warn := range reply.Warnings {
		fmt.Printf("%s(%s)%s\n", colorYellow, warn, colorReset)
	}

	for {
		chunk, err := reply.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Printf("\n%sError: %v%s\n\n", colorRed, err, colorReset)
			return
		}
		fmt.Print(chunk)
	}
	fmt.Println()
	fmt.Println()
}

// handleCommand runs a built-in command. Returns false for /exit.
func handleCommand(cmd string, eng *engine.Engine, sess *engine.Session) bool {
	switch strings.ToLower(strings.Fields(cmd)[0]) {
	case "/help":
		printHelp()
		return true

	case "/stats":
		printStats(sess.Stats())
		return true

	case "/reset":
		if err := eng.Reset(terminalConversation); err != nil {
			fmt.Printf("%sFailed to reset: %v%s\n", colorRed, err, colorReset)
		} else {
			fmt.Printf("%sConversation cleared (archived memories kept)%s\n", colorGreen, colorReset)
		}
		return true

	case "/exit", "/quit", "/q":
		fmt.Printf("%sGoodbye!%s\n", colorCyan, colorReset)
		return false

	default:
		fmt.Printf("%sUnknown command: %s%s\n", colorYellow, cmd, colorReset)
		fmt.Println("Type /help for available commands")
		return true
	}
}

func printHelp() {
	fmt.Println("Available commands:")
	fmt.Println("  /stats  - show memory usage for this conversation")
	fmt.Println("  /reset  - clear the live window (archive is kept)")
	fmt.Println("  /exit   - quit")
}

func printStats(stats engine.Stats) {
	fmt.Printf("Window:    %d messages, %d tokens\n", stats.WindowMessages, stats.WindowTokens)
	fmt.Printf("Archived:  %d messages, %d bytes on disk\n", stats.ArchivedMessages, stats.ArchiveBytes)
	fmt.Printf("Retrieved: %d fragments last turn\n", stats.RetrievedLast)
}
