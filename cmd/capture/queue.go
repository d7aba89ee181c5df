package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/capturesync/internal/models"
	"github.com/kimhsiao/capturesync/internal/sync/queue"
)

type queueItemView struct {
	ID         int64  `yaml:"id"`
	Entity     string `yaml:"entity"`
	EntityID   string `yaml:"entity_id"`
	Operation  string `yaml:"operation"`
	Queued     string `yaml:"queued"`
	Retries    string `yaml:"retries"`
	LastError  string `yaml:"last_error,omitempty"`
	PayloadLen int    `yaml:"payload_bytes"`
}

type queueView struct {
	Stats queue.Stats     `yaml:"stats"`
	Items []queueItemView `yaml:"items"`
}

type deadLetterView struct {
	ID        int64  `yaml:"id"`
	Entity    string `yaml:"entity"`
	EntityID  string `yaml:"entity_id"`
	Operation string `yaml:"operation"`
	Retries   int    `yaml:"retries"`
	LastError string `yaml:"last_error,omitempty"`
	Queued    string `yaml:"queued"`
	Dead      string `yaml:"dead"`
}

func newQueueCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show changes waiting to be synced",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.queue.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			items, err := a.queue.List(cmd.Context())
			if err != nil {
				return err
			}
			view := queueView{Stats: stats, Items: make([]queueItemView, 0, len(items))}
			for _, item := range items {
				view.Items = append(view.Items, queueItemView{
					ID:         int64(item.ID),
					Entity:     string(item.EntityType),
					EntityID:   string(item.EntityID),
					Operation:  string(item.Operation),
					Queued:     formatMillis(item.CreatedAt),
					Retries:    fmt.Sprintf("%d/%d", item.RetryCount, item.MaxRetries),
					LastError:  item.LastError,
					PayloadLen: len(item.Payload),
				})
			}
			return writeYAML(cmd.OutOrStdout(), view)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Reset the retry counters of failed changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.queue.RetryAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %d change(s)\n", n)
			return nil
		},
	})
	return cmd
}

func newDeadLettersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dead-letters",
		Short: "Show changes that were given up on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dead, err := a.queue.ListDeadLetters(cmd.Context())
			if err != nil {
				return err
			}
			out := make([]deadLetterView, 0, len(dead))
			for _, dl := range dead {
				out = append(out, deadLetterView{
					ID:        int64(dl.QueueID),
					Entity:    string(dl.EntityType),
					EntityID:  string(dl.EntityID),
					Operation: string(dl.Operation),
					Retries:   dl.RetryCount,
					LastError: dl.LastError,
					Queued:    formatMillis(dl.CreatedAt),
					Dead:      formatMillis(dl.DeadAt),
				})
			}
			return writeYAML(cmd.OutOrStdout(), out)
		},
	}
}

func newRequeueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <dead-letter-id>",
		Short: "Queue a dead-lettered change again with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid dead letter id %q", args[0])
			}
			newID, err := a.queue.Requeue(cmd.Context(), models.QueueID(id))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued as %d\n", newID)
			return nil
		},
	}
}
