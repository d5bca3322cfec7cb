package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"meetsync/internal/app/auth"
	"meetsync/internal/app/meetings"
)

func newMeetingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meeting",
		Short: "Manage meetings in the configured Redis",
	}

	var params meetings.CreateParams
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a meeting and print it as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMeetings(cmd.Context(), func(ctx context.Context, s *meetings.RedisStore) error {
				m, err := s.Create(ctx, params)
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}
	create.Flags().StringVar(&params.Title, "title", "", "meeting title")
	create.Flags().StringVar(&params.Description, "description", "", "meeting description")
	create.Flags().StringVar(&params.Passcode, "passcode", "", "optional access passcode")
	create.Flags().StringVar(&params.HostID, "host", "", "host user id")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Print a meeting as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMeetings(cmd.Context(), func(ctx context.Context, s *meetings.RedisStore) error {
				m, err := s.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(m)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a meeting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMeetings(cmd.Context(), func(ctx context.Context, s *meetings.RedisStore) error {
				return s.Delete(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(create, get, del)
	return cmd
}

func withMeetings(ctx context.Context, fn func(context.Context, *meetings.RedisStore) error) error {
	cfg := loadConfig()
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return fn(ctx, meetings.NewRedisStore(rdb, cfg.RedisPrefix))
}

func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token signed with JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			token, err := auth.NewJWTVerifier(cfg.JWTSecret).Issue(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
