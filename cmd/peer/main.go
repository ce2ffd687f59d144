// Command peer is a headless classroom participant. It joins a class over the
// mesh and reads control commands from stdin.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dkeye/classmesh/internal/adapters/media"
	"github.com/dkeye/classmesh/internal/adapters/rtc"
	sigadapter "github.com/dkeye/classmesh/internal/adapters/signal"
	"github.com/dkeye/classmesh/internal/app/classroom"
	"github.com/dkeye/classmesh/internal/app/mesh"
	"github.com/dkeye/classmesh/internal/app/roster"
	"github.com/dkeye/classmesh/internal/config"
	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

var (
	v = viper.New()

	userID      string
	displayName string
	role        string
	cameraFile  string
	micFile     string
	screenFile  string
)

var rootCmd = &cobra.Command{
	Use:   "peer <session>",
	Short: "Join a class session as a headless mesh participant",
	Long: `peer joins a class session through the signaling hub and builds direct
WebRTC links to every other participant. Camera, microphone and screen are
played from IVF (VP8) and Ogg (Opus) files; without them the peer joins
view-only. Commands are read from stdin, one per line; type "help".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), domain.SessionID(args[0]))
	},
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&userID, "user", "", "user id (random when empty)")
	flags.StringVar(&displayName, "name", "Guest", "display name")
	flags.StringVar(&role, "role", string(domain.RoleParticipant), "host, co-host or participant")
	flags.StringVar(&cameraFile, "camera", "", "IVF file played as the camera")
	flags.StringVar(&micFile, "mic", "", "Ogg file played as the microphone")
	flags.StringVar(&screenFile, "screen", "", "IVF file played as the shared screen")
	flags.String("hub", "", "hub base URL, e.g. ws://localhost:8080")
	flags.String("record-dir", "", "directory for local recordings")
	flags.String("log-level", "", "log level")

	_ = v.BindPFlag("mesh.hub_url", flags.Lookup("hub"))
	_ = v.BindPFlag("mesh.recording_dir", flags.Lookup("record-dir"))
	_ = v.BindPFlag("log_level", flags.Lookup("log-level"))
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, sid domain.SessionID) error {
	cfg, err := config.LoadWith(v)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(cfg.Level())

	r, err := domain.ParseRole(role)
	if err != nil {
		return err
	}
	id, err := domain.NewIdentity(userID, displayName, r)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	api, err := rtc.NewAPI(rtc.DefaultWebRTCConfig(cfg.Mesh.ICEServers))
	if err != nil {
		return err
	}
	signaling := sigadapter.New(sigadapter.Options{
		HubURL:         cfg.Mesh.HubURL,
		Self:           id.ID,
		SendBuffer:     cfg.SendBuffer,
		ConnectRetries: cfg.Mesh.ConnectRetries,
		BackoffBase:    cfg.Mesh.BackoffBase,
		BackoffCap:     cfg.Mesh.BackoffCap,
		ReadTimeout:    2 * cfg.PingPeriod,
		ReadLimit:      cfg.ReadLimit,
	})
	defer signaling.Close()

	var recorder mesh.SinkFactory
	if cfg.Mesh.RecordingDir != "" {
		recorder = media.NewRecorder(cfg.Mesh.RecordingDir).Sink
	}

	c := classroom.New(classroom.Options{
		Identity: id,
		Connect:  signaling.Connect,
		Devices: &media.FileDevices{
			CameraVideo: cameraFile,
			Microphone:  micFile,
			Screen:      screenFile,
		},
		Factory:            api.Factory(),
		Recorder:           recorder,
		NegotiationTimeout: cfg.Mesh.NegotiationTimeout,
		NegotiationRetries: cfg.Mesh.NegotiationRetries,
		LivenessWindow:     cfg.Mesh.LivenessWindow,
		HeartbeatInterval:  cfg.Mesh.HeartbeatInterval,
		MediaTimeout:       cfg.Mesh.MediaTimeout,
		DedupWindow:        cfg.Mesh.DedupWindow,
		ChatHistory:        cfg.Mesh.ChatHistory,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watch(c, cancel)

	launcher := &classroom.Launcher{Classroom: c, Session: sid}
	if err := launcher.OnFallbackRequested(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.LeaveClass(); err != nil {
			log.Warn().Err(err).Msg("leave")
		}
	}()

	go func() {
		repl(ctx, c, os.Stdin, os.Stdout)
		cancel()
	}()
	<-ctx.Done()
	return nil
}

// watch logs what the classroom reports and stops the peer once it has been
// removed.
func watch(c *classroom.Classroom, cancel context.CancelFunc) {
	c.OnChange(func(s roster.RoomState) {
		log.Info().Int("participants", len(s.Participants)).Bool("recording", s.Recording.Active).Msg("roster changed")
	})
	c.OnChat(func(m classroom.ChatMessage) {
		fmt.Printf("[%s] %s: %s\n", m.SentAt.Format("15:04:05"), m.Name, m.Text)
	})
	c.OnChannelState(func(s core.ChannelState) {
		log.Info().Str("state", s.String()).Msg("signaling")
	})
	c.OnRemoteTrack(func(remote domain.UserID, rs *mesh.RemoteStream) {
		log.Info().Str("remote", string(remote)).Str("track", rs.Track.ID()).Str("kind", rs.Track.Kind().String()).Msg("receiving")
	})
	c.OnLeft(func(reason string) {
		if reason != "left" {
			log.Warn().Str("reason", reason).Msg("left the class")
			cancel()
		}
	})
}
