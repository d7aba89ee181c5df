package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/capturesync/internal/localstore"
	"github.com/kimhsiao/capturesync/internal/models"
)

// recordView is the YAML shape of a local record.
type recordView struct {
	ID             string                 `yaml:"id"`
	Status         string                 `yaml:"status"`
	Fields         map[string]interface{} `yaml:"fields"`
	CreatedAt      string                 `yaml:"created_at"`
	LastModifiedAt string                 `yaml:"last_modified_at"`
	SyncFailed     bool                   `yaml:"sync_failed,omitempty"`
}

func viewRecord(rec *models.Record, syncFailed bool) recordView {
	return recordView{
		ID:             string(rec.ID),
		Status:         string(rec.Status),
		Fields:         rec.Fields,
		CreatedAt:      formatMillis(rec.CreatedAt),
		LastModifiedAt: formatMillis(rec.LastModifiedAt),
		SyncFailed:     syncFailed,
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// parseFields turns key=value pairs into a field map. Values that parse as
// JSON (numbers, booleans, arrays, null) keep their type; anything else is
// a string.
func parseFields(pairs []string) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q, want key=value", pair)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		} else if _, isObject := v.(map[string]interface{}); isObject {
			v = raw
		}
		fields[key] = v
	}
	return fields, nil
}

func newAddCmd(a *app) *cobra.Command {
	var sets []string
	cmd := &cobra.Command{
		Use:   "add <entity> --set key=value...",
		Short: "Create a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(sets)
			if err != nil {
				return err
			}
			rec, err := a.store.Create(cmd.Context(), models.EntityType(args[0]), fields)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), viewRecord(rec, false))
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field value as key=value (repeatable)")
	return cmd
}

func newEditCmd(a *app) *cobra.Command {
	var (
		sets   []string
		unsets []string
	)
	cmd := &cobra.Command{
		Use:   "edit <entity> <id>",
		Short: "Change fields of a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseFields(sets)
			if err != nil {
				return err
			}
			for _, key := range unsets {
				patch[key] = nil
			}
			if len(patch) == 0 {
				return fmt.Errorf("nothing to change, use --set or --unset")
			}
			rec, err := a.store.Update(cmd.Context(), models.EntityType(args[0]), models.UUID(args[1]), patch)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), viewRecord(rec, false))
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field value as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&unsets, "unset", nil, "field to remove (repeatable)")
	return cmd
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entity> <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.store.Delete(cmd.Context(), models.EntityType(args[0]), models.UUID(args[1])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s %s\n", args[0], args[1])
			return nil
		},
	}
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <entity> <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lr, err := a.store.Get(cmd.Context(), models.EntityType(args[0]), models.UUID(args[1]))
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), viewRecord(lr.Record, lr.SyncFailed))
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list <entity>",
		Short: "List records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := a.store.List(cmd.Context(), models.EntityType(args[0]), all)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), viewRecords(records))
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include deleted records")
	return cmd
}

func viewRecords(records []*localstore.LocalRecord) []recordView {
	out := make([]recordView, 0, len(records))
	for _, lr := range records {
		out = append(out, viewRecord(lr.Record, lr.SyncFailed))
	}
	return out
}
