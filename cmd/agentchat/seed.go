// ABOUTME: seed command: loads agents and message packs from a TOML catalog
// ABOUTME: Entries are upserted, so re-running a catalog is safe

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/2389/agentchat/internal/config"
	"github.com/2389/agentchat/internal/server"
	"github.com/2389/agentchat/internal/store"
)

// catalog is the TOML layout:
//
//	[[agent]]
//	id = "astro"
//	title = "Astrologer"
//	assistant_id = "asst_..."
//
//	[[pack]]
//	id = "p10"
//	name = "Ten messages"
//	message_count = 10
//	price = 9900
type catalog struct {
	Agents []catalogAgent `toml:"agent"`
	Packs  []catalogPack  `toml:"pack"`
}

type catalogAgent struct {
	ID          string `toml:"id"`
	Title       string `toml:"title"`
	Description string `toml:"description"`
	AssistantID string `toml:"assistant_id"`
	Inactive    bool   `toml:"inactive"`
}

type catalogPack struct {
	ID           string `toml:"id"`
	Name         string `toml:"name"`
	Description  string `toml:"description"`
	MessageCount int    `toml:"message_count"`
	Price        int64  `toml:"price"`
	Currency     string `toml:"currency"`
	ValidityDays int    `toml:"validity_days"`
	Inactive     bool   `toml:"inactive"`
	DisplayOrder int    `toml:"display_order"`
}

func loadCatalog(path string) (*catalog, error) {
	var c catalog
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown catalog keys: %v", undecoded)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *catalog) validate() error {
	var errs []error
	for i, a := range c.Agents {
		if a.ID == "" || a.Title == "" {
			errs = append(errs, fmt.Errorf("agent %d: id and title are required", i+1))
		}
		if a.AssistantID == "" && !a.Inactive {
			errs = append(errs, fmt.Errorf("agent %q: assistant_id is required for an active agent", a.ID))
		}
	}
	for i, p := range c.Packs {
		if p.ID == "" || p.Name == "" {
			errs = append(errs, fmt.Errorf("pack %d: id and name are required", i+1))
		}
		if p.MessageCount < 1 || p.Price < 0 {
			errs = append(errs, fmt.Errorf("pack %q: message_count must be positive and price non-negative", p.ID))
		}
	}
	return errors.Join(errs...)
}

// apply upserts every entry
func (c *catalog) apply(ctx context.Context, s store.Store) error {
	for _, a := range c.Agents {
		status := store.AgentStatusActive
		if a.Inactive {
			status = store.AgentStatusInactive
		}
		if err := s.UpsertAgent(ctx, &store.Agent{
			ID:          a.ID,
			Title:       a.Title,
			Description: a.Description,
			AssistantID: a.AssistantID,
			Status:      status,
		}); err != nil {
			return fmt.Errorf("saving agent %q: %w", a.ID, err)
		}
	}
	for _, p := range c.Packs {
		currency := strings.ToUpper(p.Currency)
		if currency == "" {
			currency = "INR"
		}
		if err := s.UpsertMessagePack(ctx, &store.MessagePack{
			ID:           p.ID,
			Name:         p.Name,
			Description:  p.Description,
			MessageCount: p.MessageCount,
			Price:        p.Price,
			Currency:     currency,
			ValidityDays: p.ValidityDays,
			Active:       !p.Inactive,
			DisplayOrder: p.DisplayOrder,
		}); err != nil {
			return fmt.Errorf("saving pack %q: %w", p.ID, err)
		}
	}
	return nil
}

func newSeedCmd(configPath func() string) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load agents and message packs from a TOML catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadCatalog(file)
			if err != nil {
				return err
			}
			cfg, err := config.Load(configPath())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			s, err := server.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := c.apply(cmd.Context(), s); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d agents and %d message packs\n", len(c.Agents), len(c.Packs))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "catalog.toml", "catalog file")
	return cmd
}
