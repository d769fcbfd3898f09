package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/beamyard/internal/beam"
	"github.com/zulandar/beamyard/internal/config"
	"github.com/zulandar/beamyard/internal/gather"
	"github.com/zulandar/beamyard/internal/llm"
	"github.com/zulandar/beamyard/internal/scatter"
	"github.com/zulandar/beamyard/internal/stream"
	"golang.org/x/term"
)

type runOpts struct {
	Prompt      string
	System      string
	Rays        int
	Models      []string
	Fuse        string
	GatherModel string
	Interactive bool
	In          io.Reader
	Out         io.Writer
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		noArchive  bool
		speak      bool
		opts       runOpts
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one beam over a prompt",
		Long: `Scatters the prompt to every ray, optionally fuses the ready answers,
and prints the accepted output. Without --fuse the first ready ray is accepted.

Checklist steps prompt for a choice on a terminal; otherwise every option is
selected. Interrupt cancels all in-flight work.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, configPath, noArchive, speak, opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to beam config file")
	cmd.Flags().StringVarP(&opts.Prompt, "prompt", "p", "", "user prompt (required)")
	cmd.Flags().StringVar(&opts.System, "system", "", "optional system prompt")
	cmd.Flags().IntVarP(&opts.Rays, "rays", "n", 0, "number of rays (default from config)")
	cmd.Flags().StringSliceVarP(&opts.Models, "model", "m", nil, "per-ray model id, vendor/model (repeatable)")
	cmd.Flags().StringVarP(&opts.Fuse, "fuse", "f", "", "fusion factory to run over the rays (see 'beam factories')")
	cmd.Flags().StringVar(&opts.GatherModel, "gather-model", "", "model id for fusion steps")
	cmd.Flags().BoolVar(&noArchive, "no-archive", false, "do not record the session in the database")
	cmd.Flags().BoolVar(&speak, "speak", false, "echo spoken text to stderr")
	cmd.MarkFlagRequired("prompt")
	return cmd
}

func runRun(cmd *cobra.Command, configPath string, noArchive, speak bool, opts runOpts) error {
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newProviderRouter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	sinks, err := openSinks(cfg, !noArchive, logger)
	if err != nil {
		return err
	}
	defer sinks.close()

	var speaker stream.Speaker
	if speak || cfg.Stream.Speak {
		speaker = &writerSpeaker{w: cmd.ErrOrStderr()}
	}

	opts.In = cmd.InOrStdin()
	opts.Out = cmd.OutOrStdout()
	opts.Interactive = opts.In == os.Stdin && term.IsTerminal(int(os.Stdin.Fd()))

	_, err = runBeam(ctx, cfg, storeOpts{
		Client:   client,
		Recorder: sinks.recorder,
		Speaker:  speaker,
		Logger:   logger,
	}, opts)
	return err
}

// runBeam drives one session to an accepted output.
func runBeam(ctx context.Context, cfg *config.Config, deps storeOpts, opts runOpts) (beam.Acceptance, error) {
	if strings.TrimSpace(opts.Prompt) == "" {
		return beam.Acceptance{}, fmt.Errorf("prompt is required")
	}
	if opts.Fuse != "" {
		if _, ok := gather.FactoryByID(opts.Fuse); !ok {
			return beam.Acceptance{}, fmt.Errorf("unknown fusion factory %q", opts.Fuse)
		}
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	store, err := newStore(cfg, deps)
	if err != nil {
		return beam.Acceptance{}, err
	}
	defer func() {
		store.Close()
		store.Wait()
	}()
	stopOnCancel := context.AfterFunc(ctx, store.Close)
	defer stopOnCancel()

	if opts.Rays > 0 {
		store.SetRayCount(opts.Rays)
	}
	if err := seedRayModels(store, opts.Models); err != nil {
		return beam.Acceptance{}, err
	}

	var history []llm.Message
	if opts.System != "" {
		history = append(history, llm.NewMessage(llm.RoleSystem, opts.System))
	}
	history = append(history, llm.NewMessage(llm.RoleUser, opts.Prompt))
	if err := store.Open(history, cfg.Scatter.Model, nil); err != nil {
		return beam.Acceptance{}, err
	}
	switch {
	case opts.GatherModel != "":
		store.SetGatherModel(opts.GatherModel)
	case cfg.Gather.Model != "":
		store.SetGatherModel(cfg.Gather.Model)
	}

	if err := store.StartAll(); err != nil {
		return beam.Acceptance{}, err
	}
	state, err := waitState(ctx, store, func(s beam.State) bool { return !s.Scatter.IsScattering })
	if err != nil {
		return beam.Acceptance{}, err
	}
	printRays(opts.Out, state.Scatter.Rays)

	var accepted beam.Acceptance
	if opts.Fuse == "" {
		accepted, err = acceptFirstRay(store, state)
	} else {
		accepted, err = fuse(ctx, store, opts)
	}
	if err != nil {
		return beam.Acceptance{}, err
	}
	fmt.Fprintf(opts.Out, "\n--- accepted %s from %s ---\n%s\n", accepted.Source, accepted.ModelID, accepted.Text)
	return accepted, nil
}

// waitState blocks until cond holds for the store's state. Cancellation
// wins over a satisfied condition.
func waitState(ctx context.Context, store *beam.Store, cond func(beam.State) bool) (beam.State, error) {
	changed := make(chan struct{}, 1)
	unsubscribe := store.Subscribe(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		if err := ctx.Err(); err != nil {
			return beam.State{}, fmt.Errorf("interrupted: %w", err)
		}
		st := store.State()
		if cond(st) {
			return st, nil
		}
		select {
		case <-ctx.Done():
		case <-changed:
		}
	}
}

func printRays(w io.Writer, rays []scatter.Ray) {
	for i, r := range rays {
		model := r.Message.OriginModel
		if model == "" {
			model = r.ModelID
		}
		fmt.Fprintf(w, "ray %d [%s] %s\n", i+1, r.Status, model)
		switch {
		case r.Issue != "":
			fmt.Fprintf(w, "  issue: %s\n", r.Issue)
		case scatter.IsSelectable(r):
			fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(strings.TrimSpace(r.Message.Text), "\n", "\n  "))
		}
	}
}

// acceptFirstRay accepts the first ray that finished cleanly. Errored rays
// carry an issue marker in their text and are skipped.
func acceptFirstRay(store *beam.Store, state beam.State) (beam.Acceptance, error) {
	for _, r := range state.Scatter.Rays {
		if r.Status == scatter.StatusSuccess && scatter.IsSelectable(r) {
			return store.AcceptRay(r.ID)
		}
	}
	return beam.Acceptance{}, errors.New("no ray produced output")
}

func findFusion(s beam.State, id string) (gather.Fusion, bool) {
	for _, f := range s.Gather.Fusions {
		if f.ID == id {
			return f, true
		}
	}
	return gather.Fusion{}, false
}

// fuse runs the chosen factory over the ready rays, answering checklist
// steps as they come up.
func fuse(ctx context.Context, store *beam.Store, opts runOpts) (beam.Acceptance, error) {
	id := ""
	for _, f := range store.State().Gather.Fusions {
		if f.FactoryID == opts.Fuse {
			id = f.ID
			break
		}
	}
	if id == "" {
		return beam.Acceptance{}, fmt.Errorf("fusion factory %q is not loaded", opts.Fuse)
	}
	if _, err := store.StartFusion(id); err != nil {
		return beam.Acceptance{}, err
	}

	in := bufio.NewReader(opts.In)
	for {
		st, err := waitState(ctx, store, func(s beam.State) bool {
			f, _ := findFusion(s, id)
			return f.Status != gather.StatusFusing || f.Pending != nil
		})
		if err != nil {
			return beam.Acceptance{}, err
		}
		f, _ := findFusion(st, id)
		if f.Status == gather.StatusFusing && f.Pending != nil {
			selected, err := chooseOptions(in, opts.Out, opts.Interactive, *f.Pending)
			if err != nil {
				return beam.Acceptance{}, err
			}
			if err := store.ResolveChecklist(id, selected); err != nil {
				return beam.Acceptance{}, err
			}
			continue
		}
		if f.Status != gather.StatusSuccess {
			return beam.Acceptance{}, fmt.Errorf("fusion %s: %s", f.Label, f.Issue)
		}
		return store.AcceptFusion(id)
	}
}

// chooseOptions asks for checklist picks on a terminal. Without one every
// option is taken.
func chooseOptions(in *bufio.Reader, out io.Writer, interactive bool, c gather.Checklist) ([]int, error) {
	all := make([]int, len(c.Options))
	for i := range all {
		all[i] = i
	}
	fmt.Fprintf(out, "\n%s:\n", c.Label)
	for i, o := range c.Options {
		fmt.Fprintf(out, "  %d. %s\n", i+1, o)
	}
	if !interactive {
		fmt.Fprintf(out, "selected all %d options\n", len(all))
		return all, nil
	}
	for {
		fmt.Fprint(out, "Select options (e.g. 1,3; empty for all): ")
		line, err := in.ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("read selection: %w", err)
		}
		selected, perr := parseSelection(line, len(c.Options))
		if perr == nil {
			if selected == nil {
				return all, nil
			}
			return selected, nil
		}
		fmt.Fprintf(out, "%v\n", perr)
		if err != nil {
			return nil, fmt.Errorf("read selection: %w", err)
		}
	}
}

// parseSelection parses 1-based option numbers separated by commas or
// spaces. Blank input returns nil.
func parseSelection(line string, n int) ([]int, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(fields) == 0 {
		return nil, nil
	}
	seen := make(map[int]bool, len(fields))
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", f)
		}
		if v < 1 || v > n {
			return nil, fmt.Errorf("option %d is out of range 1-%d", v, n)
		}
		if !seen[v-1] {
			seen[v-1] = true
			out = append(out, v-1)
		}
	}
	return out, nil
}

// writerSpeaker writes spoken text to a writer instead of a voice.
type writerSpeaker struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *writerSpeaker) Speak(_ context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "speak: %s\n", text)
}

var _ stream.Speaker = (*writerSpeaker)(nil)
