// bennetctl is a maintenance CLI for the chat history database: inspect a
// chat's stored history and stats, preview an assembled model context, and
// clear history.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"bennet/pkg/config"
	"bennet/pkg/contextmgr"
	"bennet/pkg/persistence"
	"bennet/pkg/tokens"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "history", "clear", "stats", "context":
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", command)
		printUsage()
		os.Exit(1)
	}

	flagSet := flag.NewFlagSet("bennetctl", flag.ExitOnError)
	configPath := flagSet.String("config", "config.yaml", "Path to YAML config file")
	chatID := flagSet.String("chat", "", "Chat identifier (required)")
	model := flagSet.String("model", "", "Model name for token counting (context command)")
	moduleName := flagSet.String("module", "", "Module name for system message resolution (context command)")
	asJSON := flagSet.Bool("json", false, "Emit JSON output")
	flagSet.Usage = printUsage

	if err := flagSet.Parse(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if *chatID == "" {
		fmt.Fprintln(os.Stderr, "Error: -chat is required")
		os.Exit(1)
	}

	if err := run(command, *configPath, *chatID, *model, *moduleName, *asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(command, configPath, chatID, model, moduleName string, asJSON bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := persistence.Open(cfg.ChatHistory.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	estimator := tokens.NewCounter(tokens.HeuristicParams{
		SystemBase:    cfg.ChatHistory.SystemMessageTokenBase,
		UserBase:      cfg.ChatHistory.UserMessageTokenBase,
		AssistantBase: cfg.ChatHistory.AssistantMessageTokenBase,
		TokensPerChar: cfg.ChatHistory.TokensPerCharacter,
	})
	store := persistence.NewStore(db, estimator,
		persistence.WithIdleTimeout(cfg.ChatHistory.ConversationIdleTimeout.AsDuration()))
	manager := contextmgr.NewManager(cfg, store, estimator)

	ctx := context.Background()

	switch command {
	case "history":
		msgs, err := store.ReadRange(ctx, chatID, cfg.ChatHistory.MaxHistoryLength, true)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(msgs)
		}
		for _, msg := range msgs {
			count := "-"
			if msg.TokenCount != nil {
				count = fmt.Sprintf("%d", *msg.TokenCount)
			}
			fmt.Printf("%s  %-9s  %s tokens  %s\n",
				msg.Timestamp.Format("2006-01-02 15:04:05"), msg.Role, count, msg.Content)
		}
		return nil

	case "stats":
		stats, err := store.Stats(ctx, chatID)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(stats)
		}
		fmt.Printf("chat %s: %d conversations, %d messages, %d tokens\n",
			stats.ChatID, stats.Conversations, stats.Messages, stats.TotalTokens)
		return nil

	case "context":
		systemMessage := manager.SystemMessage(moduleName, model)
		built, err := manager.BuildContext(ctx, chatID, systemMessage, model, 0, 0, "")
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(built)
		}
		for _, msg := range built.Messages {
			fmt.Printf("%-9s  %s\n", msg.Role, msg.Content)
		}
		fmt.Printf("-- %d tokens", built.TokensUsed)
		if built.Degraded {
			fmt.Printf(" (degraded: system message did not fit)")
		}
		fmt.Println()
		return nil

	case "clear":
		if err := manager.Clear(ctx, chatID); err != nil {
			return err
		}
		fmt.Printf("Cleared history for chat %s\n", chatID)
		return nil
	}

	return fmt.Errorf("unknown command %q", command)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `bennetctl - chat history maintenance

Usage:
  bennetctl <command> -chat <id> [flags]

Commands:
  history   Show stored messages for a chat
  stats     Show conversation/message/token totals for a chat
  context   Preview the assembled model context for a chat
  clear     Delete all history for a chat

Flags:
  -config string   Path to YAML config file (default "config.yaml")
  -chat string     Chat identifier (required)
  -model string    Model name for token counting (context)
  -module string   Module name for system message resolution (context)
  -json            Emit JSON output
`)
}
