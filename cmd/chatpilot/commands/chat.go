package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/ravelino/chatpilot/pkg/chatpilot/channels"
	"github.com/ravelino/chatpilot/pkg/chatpilot/channels/console"
	"github.com/ravelino/chatpilot/pkg/chatpilot/engine"
	"github.com/ravelino/chatpilot/pkg/chatpilot/store"
)

// newChatCmd creates the `chatpilot chat` command: a local REPL that runs the
// whole pipeline against an in-memory database and the console deliverer.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Local interactive conversation for testing the pipeline",
		Long: `Starts a local REPL. Each line you type runs through the full inbound
pipeline (signals, labels, goals, safety gate) and the reply comes back
through the console channel. State lives in memory and is discarded on exit.

Commands inside the REPL:
  /state     show the conversation's policy state
  /goal TYPE set an active goal (e.g. /goal schedule_visit)
  /quit      exit`,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger, logCloser, err := buildLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	st, err := store.OpenMemory(logger)
	if err != nil {
		return err
	}
	defer st.Close()

	eng, _ := buildEngine(cfg, st, logger)
	eng.RegisterDeliverer(console.New(nil))

	rl, err := readline.New("you> ")
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	ctx := context.Background()
	fmt.Println("ChatPilot local chat. Type /quit to exit.")

	var conversationID string
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if done := replCommand(ctx, eng, st, conversationID, line); done {
				return nil
			}
			continue
		}

		res, err := eng.HandleInbound(ctx, &channels.IncomingMessage{
			Channel:   "console",
			From:      "local",
			Text:      line,
			Timestamp: time.Now(),
		})
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		conversationID = res.Conversation.ID

		if res.OptedOut {
			fmt.Println("(contact opted out; the agent will stay silent)")
			continue
		}
		if res.Label != "" {
			fmt.Printf("(label: %s)\n", res.Label)
		}

		reply, err := eng.Reply(ctx, conversationID)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if len(reply.Sent) == 0 {
			fmt.Printf("(silent: %s)\n", reply.Decision.Reason)
		}
	}
}

// replCommand handles the slash commands. Returns true to exit.
func replCommand(ctx context.Context, eng *engine.Engine, st *store.Store, conversationID, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/state":
		if conversationID == "" {
			fmt.Println("no conversation yet; say something first")
			return false
		}
		conv, err := st.GetConversation(ctx, conversationID)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Printf("label=%q confidence=%.2f takeover=%v opted_out=%v agent_enabled=%v\n",
			conv.Label, conv.Confidence, conv.HumanTakeover, conv.OptedOut, conv.AgentEnabled)

	case "/goal":
		if len(fields) < 2 {
			fmt.Println("usage: /goal TYPE (e.g. /goal schedule_visit)")
			return false
		}
		if conversationID == "" {
			fmt.Println("no conversation yet; say something first")
			return false
		}
		if _, err := eng.Tracker().Create(ctx, conversationID, fields[1], "", nil, 3); err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Printf("goal %s active\n", fields[1])

	default:
		fmt.Println("unknown command; available: /state, /goal, /quit")
	}
	return false
}
