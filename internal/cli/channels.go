package cli

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clawgate/clawgate/internal/channels/feishu"
	"github.com/clawgate/clawgate/internal/channels/registry"
	signalchannel "github.com/clawgate/clawgate/internal/channels/signal"
	"github.com/clawgate/clawgate/internal/channels/telegram"
	"github.com/clawgate/clawgate/internal/channels/whatsapp"
	"github.com/clawgate/clawgate/internal/config"
)

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels and their configured accounts",
	RunE:  runChannels,
}

func runChannels(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.NewBuilder(quiet).
		Register(telegram.New(cfg.Channels.Telegram, quiet, nil).Plugin()).
		Register(feishu.New(cfg.Channels.Feishu, quiet, nil).Plugin()).
		Register(whatsapp.New(cfg.Channels.WhatsApp).Plugin()).
		Register(signalchannel.New(cfg.Channels.Signal).Plugin()).
		Build()

	for _, p := range reg.All() {
		var caps []string
		if p.Gateway != nil {
			caps = append(caps, "gateway")
		}
		if p.Outbound != nil {
			caps = append(caps, "outbound")
		}
		if p.Resolver != nil {
			caps = append(caps, "resolver")
		}
		fmt.Printf("%-10s %s  [%s]\n", p.ID, p.Label, strings.Join(caps, " "))

		if p.Config == nil {
			continue
		}
		ids := p.Config.ListAccountIDs()
		sort.Strings(ids)
		if len(ids) == 0 {
			fmt.Println("           (no accounts configured)")
			continue
		}
		for _, id := range ids {
			state := "ready"
			if !p.Config.IsConfigured(id) {
				state = "missing credentials"
			}
			fmt.Printf("           account %-12s %s\n", id, state)
		}
	}
	return nil
}
