// Troupe - multi-persona chat response pipeline
// License: MIT

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/troupelab/troupe/pkg/config"
	"github.com/troupelab/troupe/pkg/persona"
)

func newPersonasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "personas",
		Short: "Manage configured personas",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured personas",
		RunE:  runPersonasList,
	})
	return cmd
}

func runPersonasList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	registry, err := persona.LoadDir(cfg.PersonasDir())
	if err != nil {
		return err
	}

	personas := registry.List()
	if len(personas) == 0 {
		fmt.Printf("no personas found in %s\n", cfg.PersonasDir())
		return nil
	}
	for _, p := range personas {
		tag := ""
		if p.Locked() {
			tag = " [locked]"
		} else if p.KnowledgeDomain != "" {
			tag = " (" + p.KnowledgeDomain + ")"
		} else if !p.Contemporary() {
			tag = " (" + p.Era + ")"
		}
		fmt.Printf("%-20s %s%s\n", p.ID, p.DisplayName, tag)
	}
	return nil
}
