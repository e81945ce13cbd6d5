package search

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/meridian/pkg/api"
	"github.com/meridianhq/meridian/pkg/async"
	"github.com/meridianhq/meridian/pkg/commands"
	"github.com/meridianhq/meridian/pkg/observability"
)

// Index maintenance actions carried in envelopes.
const (
	ActionIndex  = "I"
	ActionDelete = "D"
)

// commandTTL bounds how long a refresh hint stays meaningful on the bus.
const commandTTL = 60 * time.Second

// localTimeout bounds one asynchronous local index operation.
const localTimeout = 30 * time.Second

// Envelope is the wire form of one index maintenance request. It carries a
// reference, never the entity: receivers reload from their own store.
type Envelope struct {
	Action string     `json:"action"`
	ID     string     `json:"id"`
	Kind   SourceKind `json:"kind"`
}

// Dispatcher fans index maintenance out to the local index and the command
// bus.
type Dispatcher struct {
	transformers []Transformer
	indexer      DocumentIndexer
	loaders      map[SourceKind]Loader
	bus          commands.Bus
	logger       *observability.Logger
	metrics      *observability.Metrics
}

// NewDispatcher creates a dispatcher. bus may be nil on single-node setups;
// remote dispatch is then skipped.
func NewDispatcher(indexer DocumentIndexer, bus commands.Bus, logger *observability.Logger, metrics *observability.Metrics, transformers ...Transformer) *Dispatcher {
	return &Dispatcher{
		transformers: transformers,
		indexer:      indexer,
		loaders:      make(map[SourceKind]Loader),
		bus:          bus,
		logger:       logger,
		metrics:      metrics,
	}
}

// RegisterLoader binds a kind to the function that loads its entities.
// Loaders are registered at startup, before any command can arrive.
func (d *Dispatcher) RegisterLoader(kind SourceKind, loader Loader) {
	d.loaders[kind] = loader
}

// Index updates the document for source everywhere: asynchronously in the
// local index and, via the bus, on every peer node.
func (d *Dispatcher) Index(ctx context.Context, source Source, entity interface{}) {
	d.commitLocally(ctx, ActionIndex, source, entity)
	d.commitRemotely(ctx, ActionIndex, source)
}

// Delete removes the document for source everywhere.
func (d *Dispatcher) Delete(ctx context.Context, source Source) {
	d.commitLocally(ctx, ActionDelete, source, nil)
	d.commitRemotely(ctx, ActionDelete, source)
}

// IndexApi and RemoveApi adapt the dispatcher to the lifecycle manager's
// indexer port.

func (d *Dispatcher) IndexApi(ctx context.Context, details *api.ApiDetails) {
	d.Index(ctx, Source{Kind: KindApi, ID: details.ID}, details)
}

func (d *Dispatcher) RemoveApi(ctx context.Context, apiID string) {
	d.Delete(ctx, Source{Kind: KindApi, ID: apiID})
}

func (d *Dispatcher) commitLocally(ctx context.Context, action string, source Source, entity interface{}) {
	d.metrics.IndexDispatchTotal.WithLabelValues(action, "local").Inc()
	async.SafeGo(context.Background(), localTimeout, "local index commit", d.logger, func(taskCtx context.Context) error {
		if err := d.applyLocally(taskCtx, action, source, entity); err != nil {
			d.metrics.IndexFailuresTotal.WithLabelValues(action).Inc()
			d.logger.WithError(err).WithFields(map[string]interface{}{
				"action": action,
				"doc":    source.DocID(),
			}).Error("local index commit failed")
		}
		// Failures stay here: the triggering write already succeeded.
		return nil
	})
}

func (d *Dispatcher) applyLocally(ctx context.Context, action string, source Source, entity interface{}) error {
	if action == ActionDelete {
		return d.indexer.Remove(ctx, source.DocID())
	}
	transformer := d.transformerFor(source.Kind)
	if transformer == nil {
		return fmt.Errorf("no transformer for kind %s", source.Kind)
	}
	doc, err := transformer.Transform(entity)
	if err != nil {
		return err
	}
	return d.indexer.Index(ctx, doc)
}

func (d *Dispatcher) commitRemotely(ctx context.Context, action string, source Source) {
	if d.bus == nil {
		return
	}
	d.metrics.IndexDispatchTotal.WithLabelValues(action, "remote").Inc()

	content, err := json.Marshal(Envelope{Action: action, ID: source.ID, Kind: source.Kind})
	if err != nil {
		d.metrics.IndexFailuresTotal.WithLabelValues(action).Inc()
		d.logger.WithError(err).Warn("failed to encode index envelope")
		return
	}
	cmd := &commands.Command{
		ID:         uuid.NewString(),
		Tags:       []commands.Tag{commands.TagDataToIndex},
		To:         commands.RecipientManagementAPIs,
		TTLSeconds: int(commandTTL.Seconds()),
		Content:    string(content),
		CreatedAt:  time.Now(),
	}
	if err := d.bus.Send(ctx, cmd); err != nil {
		d.metrics.IndexFailuresTotal.WithLabelValues(action).Inc()
		d.logger.WithError(err).WithField("doc", source.DocID()).Warn("failed to publish index command")
	}
}

// Process handles one DATA_TO_INDEX command received from the bus: it
// reloads the entity from this node's store and applies the action to the
// local index synchronously.
func (d *Dispatcher) Process(ctx context.Context, cmd *commands.Command) error {
	if !cmd.HasTag(commands.TagDataToIndex) {
		return nil
	}
	var env Envelope
	if err := json.Unmarshal([]byte(cmd.Content), &env); err != nil {
		return api.NewTechnical("failed to decode index envelope", err)
	}
	if _, err := ParseSourceKind(string(env.Kind)); err != nil {
		return api.NewTechnical("index envelope has unknown kind", err)
	}

	source := Source{Kind: env.Kind, ID: env.ID}
	if env.Action == ActionDelete {
		return d.indexer.Remove(ctx, source.DocID())
	}

	loader, ok := d.loaders[env.Kind]
	if !ok {
		return api.NewTechnical(fmt.Sprintf("no loader for kind %s", env.Kind), nil)
	}
	entity, err := loader(ctx, env.ID)
	if err != nil {
		return err
	}
	if entity == nil {
		return api.NewTechnical(fmt.Sprintf("%s %s no longer exists", env.Kind, env.ID), nil)
	}
	return d.applyLocally(ctx, ActionIndex, source, entity)
}

func (d *Dispatcher) transformerFor(kind SourceKind) Transformer {
	for _, t := range d.transformers {
		if t.Handles(kind) {
			return t
		}
	}
	return nil
}
