// Package fanout delivers each final utterance to every subscribed student,
// calling the translation collaborator once per distinct target language and
// the synthesis collaborator once per distinct (language, voice).
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"lectern/internal/history"
	"lectern/internal/metrics"
	"lectern/internal/session"
	"lectern/pkg/interfaces"
	"lectern/pkg/types"
)

// Options tunes the orchestrator.
type Options struct {
	// CallTimeout bounds every translation and synthesis call.
	CallTimeout time.Duration
	// DetailedLogging enables the utterance recorder.
	DetailedLogging bool
	// MaxParallelLanguages caps concurrently served language groups. Zero means no cap.
	MaxParallelLanguages int
	// RecordTimeout bounds a single recorder call.
	RecordTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		CallTimeout:   8 * time.Second,
		RecordTimeout: 10 * time.Second,
	}
}

// Orchestrator runs the per-utterance fan-out. It holds no per-session state;
// callers serialize utterances of one session.
type Orchestrator struct {
	registry    *session.Registry
	translator  interfaces.Translator
	synthesizer interfaces.Synthesizer
	recorder    interfaces.UtteranceRecorder
	history     *history.Store
	opts        Options
	logger      *log.Logger

	pending sync.WaitGroup
}

// Result describes what one fan-out did.
type Result struct {
	Units     []types.TranslationUnit
	Audio     []types.SynthesizedAudio
	Failed    map[string]error
	Delivered int
}

// New creates an orchestrator. synthesizer, recorder and store may be nil.
func New(registry *session.Registry, translator interfaces.Translator, synthesizer interfaces.Synthesizer,
	recorder interfaces.UtteranceRecorder, store *history.Store, opts Options, logger *log.Logger) (*Orchestrator, error) {
	if translator == nil {
		return nil, ErrNoTranslator
	}
	def := DefaultOptions()
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = def.RecordTimeout
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		registry:    registry,
		translator:  translator,
		synthesizer: synthesizer,
		recorder:    recorder,
		history:     store,
		opts:        opts,
		logger:      logger.WithPrefix("fanout"),
	}, nil
}

type groupResult struct {
	language  string
	unit      *types.TranslationUnit
	audio     []types.SynthesizedAudio
	err       error
	delivered int
}

// Process fans one final utterance out to the students subscribed at call time.
// ctx should be the session context so a closing session cancels in-flight calls.
func (o *Orchestrator) Process(ctx context.Context, u *types.Utterance) (*Result, error) {
	if !u.IsFinal {
		return nil, ErrNotFinal
	}
	if strings.TrimSpace(u.Text) == "" {
		return nil, ErrEmptyUtterance
	}
	start := time.Now()

	groups, err := o.registry.ListStudentsByLanguage(u.SessionID)
	if err != nil {
		return nil, fmt.Errorf("snapshot subscribers: %w", err)
	}
	// a teacher speaking to an empty room still counts as activity
	if err := o.registry.MarkUtterance(u.SessionID); err != nil {
		return nil, fmt.Errorf("mark utterance: %w", err)
	}
	metrics.Utterances.Inc()
	metrics.FanoutLanguages.Observe(float64(len(groups)))

	languages := make([]string, 0, len(groups))
	for lang := range groups {
		languages = append(languages, lang)
	}
	sort.Strings(languages)

	results := make([]groupResult, len(languages))
	var g errgroup.Group
	if o.opts.MaxParallelLanguages > 0 {
		g.SetLimit(o.opts.MaxParallelLanguages)
	}
	for i, lang := range languages {
		g.Go(func() error {
			results[i] = o.serveGroup(ctx, u, lang, groups[lang])
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{Failed: make(map[string]error)}
	for _, gr := range results {
		res.Delivered += gr.delivered
		if gr.err != nil {
			res.Failed[gr.language] = gr.err
			continue
		}
		res.Units = append(res.Units, *gr.unit)
		res.Audio = append(res.Audio, gr.audio...)
		if o.history != nil {
			o.history.Append(u.SessionID, *gr.unit)
		}
	}

	o.record(u, res.Units, res.Audio)
	metrics.FanoutDuration.Observe(time.Since(start).Seconds())
	o.logger.Debug("utterance fanned out", "session", u.SessionID, "utterance", u.ID,
		"languages", len(languages), "failed", len(res.Failed), "delivered", res.Delivered,
		"elapsed", time.Since(start))
	return res, nil
}

// serveGroup translates once for lang and delivers to every subscriber in the group.
func (o *Orchestrator) serveGroup(ctx context.Context, u *types.Utterance, lang string, subs []session.Subscriber) groupResult {
	gr := groupResult{language: lang}

	text, err := o.translate(ctx, u, lang)
	if err != nil {
		o.logger.Warn("translation failed", "session", u.SessionID, "language", lang, "err", err)
		notice := failureFrame(err, lang)
		for _, sub := range subs {
			o.send(sub, notice, "translation_failed")
		}
		gr.err = err
		return gr
	}

	unit := types.TranslationUnit{
		UtteranceID:    u.ID,
		TargetLanguage: lang,
		TranslatedText: text,
		CreatedAt:      time.Now(),
	}
	gr.unit = &unit

	textOnly, voices := splitByVoice(subs, o.synthesizer != nil)
	for _, sub := range textOnly {
		if o.send(sub, translationFrame(unit), "ok") {
			gr.delivered++
		}
	}

	if len(voices) == 0 {
		return gr
	}

	var mu sync.Mutex
	var vg errgroup.Group
	for voice, members := range voices {
		vg.Go(func() error {
			n, audio := o.serveVoice(ctx, u, unit, voice, members)
			mu.Lock()
			gr.delivered += n
			if audio != nil {
				gr.audio = append(gr.audio, *audio)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = vg.Wait()
	sort.Slice(gr.audio, func(i, j int) bool {
		if gr.audio[i].Backend != gr.audio[j].Backend {
			return gr.audio[i].Backend < gr.audio[j].Backend
		}
		return gr.audio[i].Voice < gr.audio[j].Voice
	})
	return gr
}

// serveVoice synthesizes once for a voice subgroup. A synthesis failure is
// reported to that subgroup only and yields no audio.
func (o *Orchestrator) serveVoice(ctx context.Context, u *types.Utterance, unit types.TranslationUnit,
	voice interfaces.VoiceSettings, members []session.Subscriber) (int, *types.SynthesizedAudio) {
	ref, err := o.synthesize(ctx, unit.TranslatedText, unit.TargetLanguage, voice)
	if err != nil {
		o.logger.Warn("synthesis failed", "session", u.SessionID, "language", unit.TargetLanguage,
			"backend", voice.Backend, "voice", voice.Voice, "err", err)
		notice := failureFrame(err, unit.TargetLanguage)
		for _, sub := range members {
			o.send(sub, notice, "synthesis_failed")
		}
		return 0, nil
	}

	unit.AudioRef = ref
	delivered := 0
	for _, sub := range members {
		if o.send(sub, translationFrame(unit), "ok") {
			delivered++
		}
	}
	return delivered, &types.SynthesizedAudio{
		UtteranceID:    u.ID,
		TargetLanguage: unit.TargetLanguage,
		Backend:        voice.Backend,
		Voice:          voice.Voice,
		AudioRef:       ref,
		CreatedAt:      time.Now(),
	}
}

// translate returns the source text unchanged when source and target share a
// primary language subtag.
func (o *Orchestrator) translate(ctx context.Context, u *types.Utterance, target string) (string, error) {
	if u.SourceLanguage != "" && types.PrimarySubtag(u.SourceLanguage) == types.PrimarySubtag(target) {
		return u.Text, nil
	}

	cctx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	text, err := o.translator.Translate(cctx, u.Text, u.SourceLanguage, target)
	metrics.StageDuration.WithLabelValues(metrics.StageTranslate).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CollaboratorCalls.WithLabelValues(metrics.StageTranslate, metrics.OutcomeError).Inc()
		if !errors.Is(err, types.ErrTranslation) {
			err = fmt.Errorf("%w: %w", types.ErrTranslation, err)
		}
		return "", err
	}
	metrics.CollaboratorCalls.WithLabelValues(metrics.StageTranslate, metrics.OutcomeOK).Inc()
	return text, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, text, lang string, voice interfaces.VoiceSettings) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, o.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	ref, err := o.synthesizer.Synthesize(cctx, text, lang, voice)
	metrics.StageDuration.WithLabelValues(metrics.StageSynthesize).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CollaboratorCalls.WithLabelValues(metrics.StageSynthesize, metrics.OutcomeError).Inc()
		if !errors.Is(err, types.ErrSynthesis) {
			err = fmt.Errorf("%w: %w", types.ErrSynthesis, err)
		}
		return "", err
	}
	metrics.CollaboratorCalls.WithLabelValues(metrics.StageSynthesize, metrics.OutcomeOK).Inc()
	return ref, nil
}

func (o *Orchestrator) send(sub session.Subscriber, frame types.Frame, result string) bool {
	if err := sub.WriteJSON(frame); err != nil {
		o.logger.Debug("delivery failed", "conn", sub.ID(), "err", err)
		metrics.Deliveries.WithLabelValues("write_failed").Inc()
		return false
	}
	metrics.Deliveries.WithLabelValues(result).Inc()
	return result == "ok"
}

// record hands the utterance to the recorder without blocking delivery.
func (o *Orchestrator) record(u *types.Utterance, units []types.TranslationUnit, audio []types.SynthesizedAudio) {
	if !o.opts.DetailedLogging || o.recorder == nil {
		return
	}
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.RecordTimeout)
		defer cancel()
		if err := o.recorder.RecordUtterance(ctx, u.SessionID, u, units, audio); err != nil {
			o.logger.Error("record utterance failed", "session", u.SessionID, "utterance", u.ID, "err", err)
		}
	}()
}

// Drain waits for outstanding recorder calls. Used on shutdown.
func (o *Orchestrator) Drain() {
	o.pending.Wait()
}

// splitByVoice separates text-only subscribers from audio subscribers grouped
// by voice selection.
func splitByVoice(subs []session.Subscriber, canSynthesize bool) ([]session.Subscriber, map[interfaces.VoiceSettings][]session.Subscriber) {
	var textOnly []session.Subscriber
	voices := make(map[interfaces.VoiceSettings][]session.Subscriber)
	for _, sub := range subs {
		if !canSynthesize || !sub.Settings.WantsAudio() {
			textOnly = append(textOnly, sub)
			continue
		}
		v := interfaces.VoiceSettings{
			Backend: sub.Settings.String(types.SettingTTSBackend),
			Voice:   sub.Settings.String(types.SettingVoice),
		}
		voices[v] = append(voices[v], sub)
	}
	return textOnly, voices
}

func translationFrame(unit types.TranslationUnit) types.Frame {
	return types.Frame{Type: types.MessageTypeTranslation, Payload: unit}
}

// failureFrame is the per-language notice students receive instead of a unit.
// Students see TranslationFailed whichever collaborator failed; the message
// carries the cause.
func failureFrame(err error, lang string) types.Frame {
	return types.Frame{
		Type: types.MessageTypeError,
		Payload: types.ErrorPayload{
			Kind:     types.KindTranslationFailed,
			Message:  err.Error(),
			Language: lang,
		},
	}
}
