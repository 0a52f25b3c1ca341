// Troupe - multi-persona chat response pipeline
// License: MIT

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/troupelab/troupe/pkg/persona"
	"github.com/troupelab/troupe/pkg/pipeline"
)

func newTurnCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "turn <question>",
		Short: "Run a single persona turn",
		Args:  cobra.ExactArgs(1),
		RunE:  runTurn,
	}
	cmd.Flags().StringP("persona", "p", "", "Persona id")
	cmd.MarkFlagRequired("persona")
	cmd.Flags().StringP("conversation", "c", "cli", "Conversation id")
	cmd.Flags().String("turn-id", "", "Logical turn id for idempotent replay")
	cmd.Flags().Bool("continuation", false, "Persist this reply as an additional part of the turn")
	cmd.Flags().String("role", "", "Counterpart role tag (mentor, debater, roleplay, ...)")
	cmd.Flags().String("peer", "", "Counterpart name")
	cmd.Flags().Int("level-cap", -1, "Language complexity ceiling, 0-6")
	return cmd
}

func runTurn(cmd *cobra.Command, args []string) error {
	deps, err := buildRuntime()
	if err != nil {
		return err
	}
	defer deps.close()

	personaID, _ := cmd.Flags().GetString("persona")
	conversationID, _ := cmd.Flags().GetString("conversation")
	turnID, _ := cmd.Flags().GetString("turn-id")
	continuation, _ := cmd.Flags().GetBool("continuation")

	rel := persona.NewRelationshipContext()
	rel.CounterpartRole, _ = cmd.Flags().GetString("role")
	rel.CounterpartName, _ = cmd.Flags().GetString("peer")
	rel.LanguageLevelCap, _ = cmd.Flags().GetInt("level-cap")

	res, err := deps.pipe.Respond(context.Background(), pipeline.TurnRequest{
		ConversationID: conversationID,
		TurnID:         turnID,
		PersonaID:      personaID,
		Question:       args[0],
		Continuation:   continuation,
		Relationship:   rel,
	})
	if err != nil {
		return err
	}

	if res.Handoff && res.Message == nil {
		fmt.Printf("[%s] requires verified sources: %s\n", res.Decision.Mode, res.Decision.Reason)
		return nil
	}
	fmt.Println(res.Message.Content)
	if res.Score != nil {
		fmt.Printf("\n(status=%s attempts=%d overall=%.2f)\n", res.Status, res.Attempts, res.Score.Overall())
	}
	return nil
}
