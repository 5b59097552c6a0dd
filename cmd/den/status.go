package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dragonsden/den/pkg/audit"
	"github.com/dragonsden/den/pkg/store"
)

func statusCmd() *cobra.Command {
	var showAudit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show projects and recent state transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.DataDir)
			if err != nil {
				return err
			}

			projects := s.Projects()
			if len(projects) == 0 {
				fmt.Println("No projects.")
			}
			for _, p := range projects {
				fmt.Printf("%-24s %-16s %s\n", p.Name, p.Status, p.ID)
				if p.ErrorMessage != "" {
					fmt.Printf("  error: %s\n", p.ErrorMessage)
				}
				areas, err := s.Areas(p.ID)
				if err != nil {
					continue
				}
				for _, area := range areas {
					tracker, err := s.LoadTracker(p.ID, area)
					if err != nil {
						continue
					}
					done := 0
					for _, task := range tracker.Tasks {
						if task.Status == store.TaskDone {
							done++
						}
					}
					fmt.Printf("  %s: %d/%d tasks done\n", area, done, len(tracker.Tasks))
				}
			}

			if showAudit > 0 && cfg.Audit.Enabled {
				j, err := audit.Open(cfg.Audit.Path)
				if err != nil {
					return err
				}
				defer j.Close()
				entries, err := j.Recent(showAudit)
				if err != nil {
					return err
				}
				if len(entries) > 0 {
					fmt.Println("\nRecent transitions:")
				}
				for _, e := range entries {
					fmt.Printf("%s  %s %s: %s -> %s (%s)\n",
						e.Time.Format("2006-01-02 15:04:05"),
						e.Entity, e.EntityID, e.From, e.To, e.Actor)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&showAudit, "audit", 0, "also show the N most recent state transitions")
	return cmd
}
