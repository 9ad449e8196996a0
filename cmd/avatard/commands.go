package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-avatar/avatar"
	"github.com/becomeliminal/nim-avatar/chat"
	"github.com/becomeliminal/nim-avatar/core"
	"github.com/becomeliminal/nim-avatar/storage"
)

var activateCmd = &cobra.Command{
	Use:   "activate [user-id]",
	Short: "Turn a user's avatar on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAvatars(func(store *avatar.SQLiteStore) error {
			state, err := store.Activate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		})
	},
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate [user-id]",
	Short: "Turn a user's avatar off",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAvatars(func(store *avatar.SQLiteStore) error {
			state, err := store.Deactivate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [user-id]",
	Short: "Show stored avatar state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var userID string
		if len(args) == 1 {
			userID = args[0]
		}
		return withAvatars(func(store *avatar.SQLiteStore) error {
			status, err := avatar.SetupStatus(cmd.Context(), capabilities(), store, userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		})
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage personality profiles",
}

var profileSetCmd = &cobra.Command{
	Use:   "set [user-id] [profile]",
	Short: "Store a personality profile written by hand",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		profile := strings.TrimSpace(strings.Join(args[1:], " "))
		if profile == "" {
			return fmt.Errorf("profile must not be empty")
		}
		return withAvatars(func(store *avatar.SQLiteStore) error {
			if err := store.SetPersonalityProfile(cmd.Context(), args[0], profile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile stored for %s\n", args[0])
			return nil
		})
	},
}

var profileRegenerateCmd = &cobra.Command{
	Use:   "regenerate [user-id]",
	Short: "Rebuild a profile from the user's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.close()

		profile, err := a.pipeline.UpdateProfile(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), profile)
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report configured capabilities and missing credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := struct {
			Capabilities avatar.Capabilities `json:"capabilities"`
			Missing      []string            `json:"missing"`
		}{
			Capabilities: capabilities(),
			Missing:      cfg.Missing(),
		}
		if out.Missing == nil {
			out.Missing = []string{}
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "Manage workspace members",
}

var membersAddCmd = &cobra.Command{
	Use:   "add [workspace-id] [user-id]",
	Short: "Add a member to a workspace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		m := core.Member{ID: uuid.NewString(), WorkspaceID: args[0], UserID: args[1]}
		return withChat(func(store *chat.SQLiteStore) error {
			if err := store.CreateMember(cmd.Context(), m); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), m)
		})
	},
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "Manage direct conversations",
}

var conversationsAddCmd = &cobra.Command{
	Use:   "add [workspace-id] [member-id] [member-id]",
	Short: "Open a direct conversation between two members",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := core.Conversation{
			ID:          uuid.NewString(),
			WorkspaceID: args[0],
			MemberOneID: args[1],
			MemberTwoID: args[2],
		}
		return withChat(func(store *chat.SQLiteStore) error {
			if err := store.CreateConversation(cmd.Context(), c); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), c)
		})
	},
}

func capabilities() avatar.Capabilities {
	return avatar.Capabilities{
		Completion:  cfg.HasCompletion(),
		Embedding:   cfg.HasEmbedding(),
		VectorIndex: cfg.HasVectorIndex(),
	}
}

func withDB(fn func(db *sql.DB) error) error {
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func withAvatars(fn func(store *avatar.SQLiteStore) error) error {
	return withDB(func(db *sql.DB) error {
		return fn(avatar.NewSQLiteStore(db))
	})
}

func withChat(fn func(store *chat.SQLiteStore) error) error {
	return withDB(func(db *sql.DB) error {
		return fn(chat.NewSQLiteStore(db))
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
