package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/cortexcompanion/internal/audio"
	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/audio/speaker"
	"github.com/normanking/cortexcompanion/internal/bridge"
	"github.com/normanking/cortexcompanion/internal/companion"
	"github.com/normanking/cortexcompanion/internal/config"
	"github.com/normanking/cortexcompanion/internal/logging"
	"github.com/normanking/cortexcompanion/internal/playback"
	"github.com/normanking/cortexcompanion/internal/transcript"
	"github.com/normanking/cortexcompanion/internal/tts"
	"github.com/normanking/cortexcompanion/internal/tui"
)

var headless bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the companion",
	Long: `Start the companion: serve the renderer bridge, load the avatar model
once a page connects and open the terminal chat.

With --headless, chat lines are read from stdin and the transcript is
printed to stdout; "/voice" triggers voice input.`,
	RunE: runCompanion,
}

func init() {
	runCmd.Flags().BoolVar(&headless, "headless", false, "Read chat from stdin instead of opening the terminal UI")
	rootCmd.AddCommand(runCmd)
}

func runCompanion(cmd *cobra.Command, _ []string) error {
	envFiles := loadEnvFiles()

	loader, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Dir:   cfg.Log.Dir,
		Level: cfg.Log.Level,
		// the terminal UI owns the screen
		Console: cfg.Log.Console && headless,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()

	log := logger.Component("main")
	log.Info().
		Str("version", Version).
		Str("config", loader.Path()).
		Strs("envFiles", envFiles).
		Msg("Starting cortexcompanion")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bridge.New(cfg.Bridge, logger.Zerolog())
	defer b.Close()

	out := speaker.New(logger.Zerolog())
	defer out.Close()

	c, err := companion.New(companion.Options{
		Config: cfg,
		Loader: b,
		Audio:  audio.NewClipPlayer(cfg.Audio, nil, out, logger.Zerolog()),
		Synth:  newSynth(cfg, logger.Zerolog()),
		Logger: logger.Zerolog(),
	})
	if err != nil {
		return err
	}
	defer c.Close()
	defer c.AttachBridge(b)()

	go func() {
		if err := b.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("Renderer bridge stopped")
			c.Transcript().Append(transcript.SenderError, "Renderer bridge stopped: "+err.Error())
		}
	}()
	go func() {
		// failures are already on the transcript
		_ = c.Start(ctx)
	}()

	loader.Watch(func(next *config.Config, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Config reload failed")
			return
		}
		c.Reload(next)
	})

	if headless {
		return runHeadless(ctx, c, cmd.InOrStdin(), cmd.OutOrStdout())
	}
	return tui.New(ctx, tui.Options{
		Handler:    c,
		Transcript: c.Transcript(),
		Session:    c.Session(),
		Bus:        c.Bus(),
	}).Run(ctx)
}

// newSynth returns nil when speech is disabled or no engine is installed
func newSynth(cfg *config.Config, logger zerolog.Logger) playback.Synthesizer {
	if !cfg.Speech.Enabled {
		return nil
	}
	s := tts.NewCommandSynthesizer(logger, cfg.Speech.Synth)
	if !s.IsAvailable() {
		return nil
	}
	return s
}

func runHeadless(ctx context.Context, c *companion.Companion, in io.Reader, out io.Writer) error {
	var outMu sync.Mutex
	// held until the history is out so new entries print after it
	outMu.Lock()
	history, unfollow := c.Transcript().Follow(func(e transcript.Entry) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintln(out, e.String())
	})
	defer unfollow()
	for _, e := range history {
		fmt.Fprintln(out, e.String())
	}
	outMu.Unlock()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "/quit":
				return nil
			case "/voice":
				c.VoiceInput()
				continue
			}
			err := c.Send(ctx, line)
			switch {
			case errors.Is(err, companion.ErrClosed):
				return nil
			case errors.Is(err, avatar.ErrBusy):
				outMu.Lock()
				fmt.Fprintln(out, "(busy, message not sent)")
				outMu.Unlock()
			}
		}
	}
}
