// Troupe - multi-persona chat response pipeline
// License: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/troupelab/troupe/pkg/persona"
	"github.com/troupelab/troupe/pkg/pipeline"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat with one persona",
		RunE:  runChat,
	}
	cmd.Flags().StringP("persona", "p", "", "Persona id")
	cmd.MarkFlagRequired("persona")
	cmd.Flags().String("role", "", "Counterpart role tag")
	cmd.Flags().String("peer", "", "Counterpart name")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	deps, err := buildRuntime()
	if err != nil {
		return err
	}
	defer deps.close()

	personaID, _ := cmd.Flags().GetString("persona")
	id, ok := deps.registry.Get(personaID)
	if !ok {
		return fmt.Errorf("unknown persona %q", personaID)
	}

	rel := persona.NewRelationshipContext()
	rel.CounterpartRole, _ = cmd.Flags().GetString("role")
	rel.CounterpartName, _ = cmd.Flags().GetString("peer")

	rl, err := readline.New("you> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	conversationID := "chat-" + uuid.NewString()
	fmt.Printf("Chatting with %s. Ctrl-D to exit.\n", id.DisplayName)

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		question := strings.TrimSpace(line)
		if question == "" {
			continue
		}

		res, err := deps.pipe.Respond(context.Background(), pipeline.TurnRequest{
			ConversationID: conversationID,
			PersonaID:      personaID,
			Question:       question,
			Relationship:   rel,
		})
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		if res.Handoff && res.Message == nil {
			fmt.Printf("%s> (this needs verified sources before I can answer)\n", id.DisplayName)
			continue
		}
		fmt.Printf("%s> %s\n", id.DisplayName, res.Message.Content)
	}
}
