// Package dialogue runs the slot-filling conversation: it reads each user
// turn, moves the thread through its states and hands finished slot sets to
// the dispatcher.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/RichardoC/listing-designer/internal/catalog"
	"github.com/RichardoC/listing-designer/internal/llm"
	"github.com/RichardoC/listing-designer/internal/models"
	"github.com/RichardoC/listing-designer/internal/reply"
	"github.com/RichardoC/listing-designer/internal/telemetry"
)

const retryText = "Sorry, I had trouble understanding that just now. Could you say it again?"

// Store is the slice of the conversation store the engine needs.
type Store interface {
	GetOrCreate(ctx context.Context, id string) (*models.Thread, error)
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	UpdateLatest(ctx context.Context, id string, mutate func(*models.Thread) error) (*models.Thread, error)
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetConversationHistory(ctx context.Context, threadID string, limit int) ([]models.Message, error)
}

// Dispatcher starts generation for a thread whose slots are complete.
type Dispatcher interface {
	Enqueue(ctx context.Context, threadID, template string, slots map[string]string) (string, error)
}

// Assembler composes the reply once the turn's state is stored.
type Assembler interface {
	Assemble(ctx context.Context, thread *models.Thread, text string) (reply.Reply, error)
}

type Config struct {
	ConfidenceThreshold float64
	HistoryLimit        int // messages passed to the extractor
}

type Engine struct {
	store      Store
	catalog    *catalog.Catalog
	extractor  llm.Extractor
	dispatcher Dispatcher
	assembler  Assembler
	cfg        Config
	logger     *zap.Logger
	turns      metric.Int64Counter
}

func New(store Store, cat *catalog.Catalog, extractor llm.Extractor, dispatcher Dispatcher, assembler Assembler, cfg Config, logger *zap.Logger) *Engine {
	turns, _ := telemetry.Meter("designer/dialogue").Int64Counter("designer.turns",
		metric.WithDescription("User turns handled, by resulting thread state"))
	return &Engine{
		store:      store,
		catalog:    cat,
		extractor:  extractor,
		dispatcher: dispatcher,
		assembler:  assembler,
		cfg:        cfg,
		logger:     logger,
		turns:      turns,
	}
}

// HandleTurn processes one user message. An empty threadID starts a new
// thread; an unknown one is models.ErrNotFound. The user message is stored
// before anything else and every successful turn stores exactly one
// assistant reply.
func (e *Engine) HandleTurn(ctx context.Context, threadID, input string) (reply.Reply, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return reply.Reply{}, fmt.Errorf("empty user input: %w", models.ErrValidation)
	}

	thread, err := e.store.GetOrCreate(ctx, threadID)
	if err != nil {
		return reply.Reply{}, err
	}
	if err := e.store.SaveMessage(ctx, &models.Message{ThreadID: thread.ID, Role: models.RoleUser, Content: input}); err != nil {
		return reply.Reply{}, err
	}
	log := e.logger.With(zap.String("thread_id", thread.ID))

	var ex *llm.Extraction
	if needsExtraction(thread.State) {
		ex, err = e.extract(ctx, thread, input)
		if err != nil {
			log.Warn("extraction failed; asking the user to repeat", zap.Error(err))
			return e.respond(ctx, reply.Plain(thread, retryText))
		}
	}

	id := thread.ID
	var turn outcome
	_, err = e.store.UpdateLatest(ctx, id, func(t *models.Thread) error {
		var err error
		turn, err = e.advance(t, ex, input)
		return err
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return reply.Reply{}, err
	}

	if turn.dispatch {
		if err := e.dispatch(ctx, id); err != nil {
			// The thread stays READY_TO_GENERATE and the next turn retries.
			log.Error("enqueue generation", zap.Error(err))
		}
	}

	thread, err = e.store.GetThread(ctx, id)
	if err != nil {
		return reply.Reply{}, err
	}
	r, err := e.assembler.Assemble(ctx, thread, turn.text)
	if err != nil {
		return reply.Reply{}, err
	}
	log.Info("turn handled", zap.String("state", string(thread.State)), zap.String("status", string(r.Status)))
	e.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(thread.State))))
	return e.respond(ctx, r)
}

func (e *Engine) extract(ctx context.Context, thread *models.Thread, input string) (*llm.Extraction, error) {
	history, err := e.store.GetConversationHistory(ctx, thread.ID, e.cfg.HistoryLimit+1)
	if err != nil {
		return nil, err
	}
	if n := len(history); n > 0 {
		history = history[:n-1] // the message being extracted
	}
	ec := llm.Context{
		Collected: thread.Slots,
		AskedSlot: thread.AskedSlot,
		History:   history,
	}
	if t, ok := e.catalog.Get(thread.Template); ok {
		ec.Template = t
	}
	return e.extractor.Extract(ctx, input, ec)
}

// dispatch hands the stored slot snapshot of a ready thread to the
// dispatcher.
func (e *Engine) dispatch(ctx context.Context, id string) error {
	thread, err := e.store.GetThread(ctx, id)
	if err != nil {
		return err
	}
	if thread.State != models.StateReadyToGenerate {
		return nil
	}
	_, err = e.dispatcher.Enqueue(ctx, thread.ID, thread.Template, thread.Slots)
	return err
}

// respond stores the assistant side of the turn.
func (e *Engine) respond(ctx context.Context, r reply.Reply) (reply.Reply, error) {
	msg := &models.Message{ThreadID: r.ThreadID, Role: models.RoleAssistant, Content: r.Content}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return reply.Reply{}, err
	}
	return r, nil
}

// needsExtraction reports whether a turn in state can change the thread.
// Generating threads only report progress; a ready thread is re-dispatched.
func needsExtraction(state models.ThreadState) bool {
	return state != models.StateGenerating && state != models.StateReadyToGenerate
}
