// Callkit — CLI entry point.
//
// This tool runs the call side of a messenger account from the terminal:
// it holds the signaling connection, rings on incoming calls, and drives
// per-peer WebRTC negotiation for audio/video calls.
//
// It can be launched interactively (only -server/-token/-user flags) or can
// place a call immediately via -chat and -kind.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/mes-im/callkit/internal/callctl"
	"github.com/mes-im/callkit/internal/config"
	"github.com/mes-im/callkit/internal/media"
	"github.com/mes-im/callkit/internal/peer"
	"github.com/mes-im/callkit/internal/session"
	"github.com/mes-im/callkit/internal/signaling"
	"github.com/mes-im/callkit/internal/store"
	"github.com/mes-im/callkit/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	server := flag.String("server", "", "Messenger server base URL (e.g. https://mes.example.com)")
	token := flag.String("token", "", "Bearer token for the account")
	user := flag.Int64("user", 0, "Local user id")
	chat := flag.Int64("chat", 0, "Chat id to call immediately (optional, needs -callee)")
	callee := flag.Int64("callee", 0, "User id to ring when -chat is set")
	kindFlag := flag.String("kind", "audio", "Call kind when -chat is set: audio or video")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Callkit — v%s", version))
	pterm.Println()

	if *server == "" || *token == "" || *user == 0 {
		util.LogError("missing -server, -token or -user")
		os.Exit(1)
	}

	kind := callctl.Kind(*kindFlag)
	if kind != callctl.KindAudio && kind != callctl.KindVideo {
		util.LogError("invalid -kind: must be 'audio' or 'video'")
		os.Exit(1)
	}

	cfg := config.New(*server, *token, *user)
	cfg.Debug = *debugMode

	mgr, ch, mem, ctl := buildStack(cfg)
	defer ch.Disconnect()

	if err := ch.Connect(ctx); err != nil {
		util.LogError("failed to connect signaling: %v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx)
	util.LogSuccess("signaling connected — account %d ready for calls", cfg.UserID)

	if *chat != 0 {
		if *callee == 0 {
			util.LogError("-chat requires -callee")
			os.Exit(1)
		}
		if err := mgr.StartCall(ctx, *chat, *callee, kind); err != nil {
			util.LogError("failed to start call: %v", err)
			os.Exit(1)
		}
	}

	runInteractive(ctx, mgr, mem, ctl)
	util.LogInfo("callkit shut down")
}

// buildStack wires config → channel → control plane → media → session.
func buildStack(cfg *config.Config) (*session.Manager, *signaling.Channel, *store.Memory, *callctl.Client) {
	wsURL, err := cfg.WSURL()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	ch := signaling.NewChannel(wsURL, signaling.Options{})
	ctl := callctl.NewClient(cfg.ServerURL, cfg.Token)

	// Prefer real devices; fall back to the static capture pipeline when
	// no hardware path exists on this platform.
	var (
		capturer media.Capturer
		newPC    peer.PCFactory
	)
	if dev, err := media.NewDeviceCapturer(); err == nil {
		capturer = dev
		newPC = dev.PCFactory(cfg.ICEServers)
		util.LogInfo("device capture enabled")
	} else {
		capturer = media.NewStaticCapturer()
		newPC = peer.NewPCFactory(cfg.ICEServers)
		util.LogWarning("device capture unavailable (%v), using static media", err)
	}

	reg := peer.NewRegistry(newPC)
	neg := media.NewNegotiator(capturer)
	mem := store.NewMemory()

	mgr := session.NewManager(ctl, ch, neg, reg, mem, cfg.UserID)
	mgr.Attach(ch)
	return mgr, ch, mem, ctl
}

// ---------------------------------------------------------------------------
// Interactive loop
// ---------------------------------------------------------------------------

// runInteractive shows a state-appropriate action menu until interrupted.
func runInteractive(ctx context.Context, mgr *session.Manager, mem *store.Memory, ctl *callctl.Client) {
	for {
		select {
		case <-ctx.Done():
			_ = mgr.EndCall(context.Background())
			return
		default:
		}

		snap := mem.Last()
		printStatus(snap)

		action, _ := pterm.DefaultInteractiveSelect.
			WithOptions(actionsFor(snap.State)).
			WithDefaultText("Select an action").
			Show()
		pterm.Println()

		switch action {
		case "Start a call":
			chat := askID("Chat id to call")
			callee := askID("User id to ring")
			kind := askKind()
			if err := mgr.StartCall(ctx, chat, callee, kind); err != nil {
				util.LogError("start call: %v", err)
			}
		case "Accept":
			if err := mgr.AcceptCall(ctx); err != nil {
				util.LogError("accept call: %v", err)
			}
		case "Reject":
			if err := mgr.RejectCall(ctx); err != nil {
				util.LogError("reject call: %v", err)
			}
		case "Cancel":
			if err := mgr.CancelCall(ctx); err != nil {
				util.LogError("cancel call: %v", err)
			}
		case "Hang up":
			if err := mgr.EndCall(ctx); err != nil {
				util.LogError("end call: %v", err)
			}
		case "Toggle mute":
			if muted, err := mgr.ToggleMute(); err != nil {
				util.LogError("toggle mute: %v", err)
			} else if muted {
				util.LogInfo("microphone muted")
			} else {
				util.LogInfo("microphone live")
			}
		case "Toggle video":
			if off, err := mgr.ToggleVideo(); err != nil {
				util.LogError("toggle video: %v", err)
			} else if off {
				util.LogInfo("camera off")
			} else {
				util.LogInfo("camera on")
			}
		case "Toggle screen share":
			if sharing, err := mgr.ToggleScreenShare(ctx); err != nil {
				util.LogError("toggle screen share: %v", err)
			} else if sharing {
				util.LogInfo("sharing screen")
			} else {
				util.LogInfo("back to camera")
			}
		case "Call history":
			printHistory(ctx, ctl)
		case "Refresh":
			// Re-read the snapshot on the next loop.
			time.Sleep(200 * time.Millisecond)
		case "Quit":
			_ = mgr.EndCall(context.Background())
			return
		}
	}
}

func actionsFor(st session.State) []string {
	switch st {
	case session.StateIncomingRinging:
		return []string{"Accept", "Reject", "Refresh", "Quit"}
	case session.StateOutgoingRinging:
		return []string{"Cancel", "Refresh", "Quit"}
	case session.StateActive:
		return []string{"Toggle mute", "Toggle video", "Toggle screen share", "Hang up", "Refresh", "Quit"}
	default:
		return []string{"Start a call", "Call history", "Refresh", "Quit"}
	}
}

// printHistory lists the most recent calls across the account's chats.
func printHistory(ctx context.Context, ctl *callctl.Client) {
	calls, err := ctl.History(ctx, 0, 20)
	if err != nil {
		util.LogError("fetch call history: %v", err)
		return
	}
	if len(calls) == 0 {
		util.LogInfo("no calls yet")
		return
	}
	for _, c := range calls {
		util.LogInfo("call %d — chat %d, %s, %s, started %s",
			c.ID, c.ChatID, c.Kind, c.Status, c.StartedAt.Format("02 Jan 15:04"))
	}
	pterm.Println()
}

func printStatus(snap session.Snapshot) {
	switch snap.State {
	case session.StateIncomingRinging:
		if snap.Incoming != nil {
			util.LogInfo("incoming %s call from %s (call %d)",
				snap.Kind, snap.Incoming.Initiator.Username, snap.CallID)
		} else {
			util.LogInfo("incoming call %d ringing", snap.CallID)
		}
	case session.StateOutgoingRinging:
		util.LogInfo("calling chat %d (call %d)...", snap.ChatID, snap.CallID)
	case session.StateActive:
		util.LogInfo("in call %d — %d participant(s), muted=%v video-off=%v sharing=%v",
			snap.CallID, len(snap.Participants), snap.AudioMuted, snap.VideoOff, snap.ScreenSharing)
	default:
		util.LogInfo("idle")
	}
	if snap.ChannelLost {
		util.LogWarning("signaling connection lost — remote events will not arrive")
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askID prompts for a positive numeric id until a valid one is entered.
func askID(prompt string) int64 {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err == nil && id > 0 {
			pterm.Println()
			return id
		}

		util.LogWarning("invalid id: must be a positive number")
		pterm.Println()
	}
}

// askKind prompts for the call kind.
func askKind() callctl.Kind {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Audio", "Video"}).
		WithDefaultText("Call kind").
		Show()
	pterm.Println()
	if strings.HasPrefix(choice, "Video") {
		return callctl.KindVideo
	}
	return callctl.KindAudio
}
