package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/fx"

	"campd/internal/bus"
	"campd/internal/daemon"
	"campd/internal/session"
)

func main() {
	dataDirFlag := flag.String("data-dir", "", "data directory (default ~/.campd)")
	configFlag := flag.String("config", "", "config file path (default <data-dir>/config.toml)")
	flag.Parse()

	dataDir := *dataDirFlag
	if dataDir == "" {
		dataDir = session.BaseDir()
	}

	app := fx.New(
		daemon.Module(daemon.Params{DataDir: dataDir, ConfigPath: *configFlag}),
		fx.Invoke(registerAuthPrompts),
	)

	app.Run()
}

// registerAuthPrompts mirrors channel authentication events to the terminal
// so an operator can pair phones without any other frontend attached.
func registerAuthPrompts(lc fx.Lifecycle, b *bus.Bus) {
	var cancel func()
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			events, unsubscribe := b.Subscribe("company.", 64)
			cancel = unsubscribe
			go func() {
				for evt := range events {
					handleAuthEvent(evt)
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}

func handleAuthEvent(evt bus.Event) {
	switch {
	case strings.HasSuffix(evt.Kind, bus.KindChannelQR):
		qr, ok := evt.Payload.(bus.ChannelQR)
		if !ok || qr.Payload == "" {
			return
		}
		fmt.Printf("\n[%s phone %d] scan this QR code to authenticate:\n\n%s\n",
			qr.CompanyID, qr.PhoneIndex, renderQR(qr.Payload))
	case strings.HasSuffix(evt.Kind, bus.KindChannelPairing):
		pairing, ok := evt.Payload.(bus.ChannelPairingCode)
		if !ok || pairing.Code == "" {
			return
		}
		fmt.Printf("\n[%s phone %d] pairing code: %s\n",
			pairing.CompanyID, pairing.PhoneIndex, pairing.Code)
	}
}

// renderQR converts a payload to a compact ASCII QR code using Unicode
// half-block characters. Two bitmap rows become one terminal line.
func renderQR(content string) string {
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return "  (QR generation failed: " + err.Error() + ")"
	}

	bitmap := qr.Bitmap()
	rows := len(bitmap)
	cols := 0
	if rows > 0 {
		cols = len(bitmap[0])
	}

	var sb strings.Builder
	for y := 0; y < rows; y += 2 {
		sb.WriteString("  ")
		for x := 0; x < cols; x++ {
			top := bitmap[y][x] // true = black module
			bot := false
			if y+1 < rows {
				bot = bitmap[y+1][x]
			}
			switch {
			case top && bot:
				sb.WriteRune('█')
			case top && !bot:
				sb.WriteRune('▀')
			case !top && bot:
				sb.WriteRune('▄')
			default:
				sb.WriteRune(' ')
			}
		}
		sb.WriteRune('\n')
	}
	return sb.String()
}
