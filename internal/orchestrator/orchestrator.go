// Package orchestrator runs the reply loop: one user turn in, tool calls
// resolved, one assistant reply out. It owns sequencing (one reply at a time
// per continuum), persistence of every observed turn, and the recovery path
// for providers that reject calls to tools outside the request's tool list.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirahq/mira/internal/config"
	"github.com/mirahq/mira/internal/continuum"
	"github.com/mirahq/mira/internal/events"
	"github.com/mirahq/mira/internal/ingest"
	"github.com/mirahq/mira/internal/llm"
	"github.com/mirahq/mira/internal/memory"
	"github.com/mirahq/mira/internal/observability"
	"github.com/mirahq/mira/internal/prompts"
	"github.com/mirahq/mira/internal/security"
	"github.com/mirahq/mira/internal/tools"
	"github.com/mirahq/mira/pkg/models"
)

// defaultMaxIterations bounds the tool loop when the client carries no
// configured limit.
const defaultMaxIterations = 10

// ErrEmptyMessage rejects chat requests with nothing to say.
var ErrEmptyMessage = errors.New("orchestrator: message must not be empty")

// ContinuumProvider hands out loaded continuum aggregates and their reply
// locks. *continuum.Manager satisfies this.
type ContinuumProvider interface {
	GetOrCreate(ctx context.Context) (*continuum.Continuum, error)
	Get(ctx context.Context, continuumID string) (*continuum.Continuum, error)
	ReplyLock(continuumID string) *sync.Mutex
}

// ContinuumStore is the slice of the message store the reply loop writes
// through. *continuum.Store satisfies this.
type ContinuumStore interface {
	AppendMessages(ctx context.Context, continuumID string, msgs ...models.Message) error
	ActiveSentinel(ctx context.Context, continuumID string) (models.Message, bool, error)
	TouchActivity(ctx context.Context, continuumID string, at time.Time) error
}

// LLMClient generates replies. *llm.Client satisfies this.
type LLMClient interface {
	GenerateResponse(ctx context.Context, req llm.Request) (*llm.Response, error)
	MaxIterations() int
}

// ToolExecutor lists and runs tools. *tools.Registry satisfies this.
type ToolExecutor interface {
	Available(ctx context.Context, userID string) []tools.Tool
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// Sanitizer screens user input before it reaches a prompt.
// *security.Defense satisfies this.
type Sanitizer interface {
	Sanitize(ctx context.Context, content, source string, trust security.TrustLevel) (string, *security.Assessment, error)
}

// MemorySearcher retrieves memories for the system prompt.
// *memory.Service satisfies this.
type MemorySearcher interface {
	HybridSearch(ctx context.Context, p memory.SearchParams) ([]*models.Memory, error)
}

// DomaindocProvider supplies the user's domain documents.
// *userdata.Registry satisfies this.
type DomaindocProvider interface {
	DomaindocsForUser(ctx context.Context, userID string) ([]models.Domaindoc, error)
}

// Options wires the orchestrator's collaborators. Memory, Domaindocs and
// WorkingMemory are optional; the reply loop degrades without them.
type Options struct {
	Continuums ContinuumProvider
	Store      ContinuumStore
	LLM        LLMClient
	Tools      ToolExecutor
	Defense    Sanitizer
	Prompts    *prompts.Store
	Bus        *events.Bus

	Memory        MemorySearcher
	Domaindocs    DomaindocProvider
	WorkingMemory *WorkingMemory

	Config  config.ContinuumConfig
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Orchestrator drives chat turns end to end.
type Orchestrator struct {
	continuums ContinuumProvider
	store      ContinuumStore
	llm        LLMClient
	tools      ToolExecutor
	defense    Sanitizer
	prompts    *prompts.Store
	bus        *events.Bus

	memory     MemorySearcher
	domaindocs DomaindocProvider
	working    *WorkingMemory

	cfg     config.ContinuumConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

// New builds the orchestrator, rejecting missing required collaborators.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Continuums == nil:
		return nil, errors.New("orchestrator: continuum provider is required")
	case opts.Store == nil:
		return nil, errors.New("orchestrator: continuum store is required")
	case opts.LLM == nil:
		return nil, errors.New("orchestrator: llm client is required")
	case opts.Tools == nil:
		return nil, errors.New("orchestrator: tool executor is required")
	case opts.Defense == nil:
		return nil, errors.New("orchestrator: injection defense is required")
	case opts.Prompts == nil:
		return nil, errors.New("orchestrator: prompt store is required")
	case opts.Bus == nil:
		return nil, errors.New("orchestrator: event bus is required")
	case opts.Logger == nil:
		return nil, errors.New("orchestrator: logger is required")
	}
	return &Orchestrator{
		continuums: opts.Continuums,
		store:      opts.Store,
		llm:        opts.LLM,
		tools:      opts.Tools,
		defense:    opts.Defense,
		prompts:    opts.Prompts,
		bus:        opts.Bus,
		memory:     opts.Memory,
		domaindocs: opts.Domaindocs,
		working:    opts.WorkingMemory,
		cfg:        opts.Config,
		logger:     opts.Logger.Component("orchestrator"),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		now:        time.Now,
	}, nil
}

// Reply is one completed chat turn.
type Reply struct {
	ContinuumID string
	SegmentID   string
	Response    string

	// ToolsUsed lists the tools that ran successfully, in first-use order.
	ToolsUsed  []string
	Iterations int

	InputTokens  int
	OutputTokens int
}

// Chat appends the user's message and runs the reply loop until the model
// stops asking for tools or the iteration limit is reached. An empty
// continuumID selects the user's primary continuum. Attachments ride the
// user turn: the model sees each attachment's inference rendition this turn,
// while the storage rendition is what gets persisted.
func (o *Orchestrator) Chat(ctx context.Context, userID, continuumID, message string, attachments ...ingest.Attachment) (*Reply, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}
	ctx = observability.AddUserID(ctx, userID)

	// Rejected input never enters the continuum.
	clean, _, err := o.defense.Sanitize(ctx, message, "chat", security.TrustUserInput)
	if err != nil {
		return nil, err
	}

	cont, err := o.resolveContinuum(ctx, continuumID)
	if err != nil {
		return nil, err
	}
	ctx = observability.AddContinuumID(ctx, cont.ID)

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.TraceChat(ctx, cont.ID)
		defer span.End()
	}

	lock := o.continuums.ReplyLock(cont.ID)
	lock.Lock()
	defer lock.Unlock()

	sentinel, err := o.ensureSegment(ctx, cont)
	if err != nil {
		return nil, err
	}

	evts, err := o.appendUserTurn(ctx, cont, clean, attachments)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, evts)

	reply, err := o.replyLoop(ctx, cont, clean)
	if err != nil {
		return nil, err
	}
	reply.ContinuumID = cont.ID
	reply.SegmentID = sentinel.SegmentID()

	if err := o.store.TouchActivity(ctx, cont.ID, o.now().UTC()); err != nil {
		o.logger.WithContext(ctx).Warn("touch continuum activity", "error", err)
	}
	o.recordWorkingMemory(ctx, cont.UserID, cont.ID, reply)
	return reply, nil
}

// resolveContinuum loads the requested continuum or the user's primary one.
// Cache hits bypass row security, so ownership is rechecked here.
func (o *Orchestrator) resolveContinuum(ctx context.Context, continuumID string) (*continuum.Continuum, error) {
	if continuumID == "" {
		return o.continuums.GetOrCreate(ctx)
	}
	cont, err := o.continuums.Get(ctx, continuumID)
	if err != nil {
		return nil, err
	}
	if cont.UserID != observability.GetUserID(ctx) {
		return nil, continuum.ErrContinuumNotFound
	}
	return cont, nil
}

// appendUserTurn builds the user message and writes it through. Plain turns
// take the fast path. Turns with attachments are assembled twice: the hot
// cache gets the inference renditions so the model can read the originals,
// the store gets the storage renditions. Extracted document text counts as
// untrusted and is screened before it can reach a prompt.
func (o *Orchestrator) appendUserTurn(ctx context.Context, cont *continuum.Continuum, text string, attachments []ingest.Attachment) ([]events.Event, error) {
	if len(attachments) == 0 {
		userMsg, evts, err := cont.AddUserMessage(text)
		if err != nil {
			return nil, err
		}
		if err := o.persist(ctx, cont.ID, userMsg); err != nil {
			return nil, err
		}
		return evts, nil
	}

	inference := models.MessageContent{models.TextBlock(text)}
	storage := models.MessageContent{models.TextBlock(text)}
	for _, att := range attachments {
		inf, sto := att.Inference, att.Storage
		if att.Untrusted {
			clean, _, err := o.defense.Sanitize(ctx, inf.Text, att.Filename, security.TrustUntrusted)
			if err != nil {
				return nil, err
			}
			inf = models.TextBlock(clean)
			sto = inf
		}
		inference = append(inference, inf)
		storage = append(storage, sto)
	}

	userMsg, evts, err := cont.AddUserContent(inference)
	if err != nil {
		return nil, err
	}
	if err := o.persist(ctx, cont.ID, userMsg.WithContent(storage)); err != nil {
		return nil, err
	}
	return evts, nil
}

// ensureSegment returns the active sentinel, starting a new segment when
// neither the hot cache nor the store has one. The hot cache window can be
// shorter than a long-running segment, so the store is the tiebreaker.
func (o *Orchestrator) ensureSegment(ctx context.Context, cont *continuum.Continuum) (models.Message, error) {
	if sentinel, ok := cont.ActiveSentinel(); ok {
		return sentinel, nil
	}
	sentinel, found, err := o.store.ActiveSentinel(ctx, cont.ID)
	if err != nil {
		return models.Message{}, err
	}
	if found {
		return sentinel, nil
	}

	sentinel, evts := cont.StartSegment()
	if err := o.persist(ctx, cont.ID, sentinel); err != nil {
		return models.Message{}, err
	}
	o.publish(ctx, evts)
	return sentinel, nil
}

func (o *Orchestrator) replyLoop(ctx context.Context, cont *continuum.Continuum, query string) (*Reply, error) {
	system := o.buildSystem(ctx, cont.UserID, query)
	defs := toolDefinitions(o.tools.Available(ctx, cont.UserID))
	loc := o.cfg.Location()

	maxIterations := o.llm.MaxIterations()
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	reply := &Reply{}
	for iteration := 1; iteration <= maxIterations; iteration++ {
		reply.Iterations = iteration

		resp, err := o.llm.GenerateResponse(ctx, llm.Request{
			Messages: cont.MessagesForAPI(loc),
			System:   system,
			Tools:    defs,
		})
		var notLoaded *llm.ToolNotLoadedError
		if errors.As(err, &notLoaded) {
			if err := o.recoverToolNotLoaded(ctx, cont, notLoaded, reply); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("generate reply: %w", err)
		}
		reply.InputTokens += resp.InputTokens
		reply.OutputTokens += resp.OutputTokens

		content := assistantContent(resp)
		calls := resp.ToolCalls()
		if content.Empty() && len(calls) == 0 {
			o.logger.WithContext(ctx).Warn("model returned no usable content")
			return reply, nil
		}

		if err := o.appendAssistant(ctx, cont, content, calls, resp.ReasoningDetails); err != nil {
			return nil, err
		}

		if resp.StopReason != llm.StopToolUse || len(calls) == 0 {
			reply.Response = content.Text()
			return reply, nil
		}
		for _, call := range calls {
			if err := o.runToolCall(ctx, cont, call, reply); err != nil {
				return nil, err
			}
		}
	}

	o.logger.WithContext(ctx).Warn("reply loop hit iteration limit",
		"max_iterations", maxIterations,
	)
	return reply, nil
}

// appendAssistant persists one assistant turn. Tool names called in the
// turn land in its metadata so segment summaries can report them even after
// working memory expires.
func (o *Orchestrator) appendAssistant(ctx context.Context, cont *continuum.Continuum, content models.MessageContent, calls []llm.Block, reasoning string) error {
	metadata := map[string]any{}
	if len(calls) > 0 {
		metadata[models.MetaHasToolCalls] = true
		metadata[models.MetaToolsUsed] = callNames(calls)
	}
	if reasoning != "" {
		metadata[models.MetaReasoningDetails] = reasoning
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	msg, evts, err := cont.AddAssistantMessage(content, metadata)
	if err != nil {
		return err
	}
	if err := o.persist(ctx, cont.ID, msg); err != nil {
		return err
	}
	o.publish(ctx, evts)
	return nil
}

// runToolCall executes one tool_use block and appends its result. Execution
// failures become error-flagged tool results rather than failing the reply;
// the model decides how to proceed.
func (o *Orchestrator) runToolCall(ctx context.Context, cont *continuum.Continuum, call llm.Block, reply *Reply) error {
	args := map[string]any{}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			o.logger.WithContext(ctx).Warn("undecodable tool input",
				"tool", call.Name, "error", err,
			)
			args = map[string]any{}
		}
	}

	result, err := o.tools.Execute(ctx, call.Name, args)
	isError := err != nil
	if isError {
		result = err.Error()
	} else {
		reply.recordTool(usedToolName(call.Name, args))
	}
	if result == "" {
		result = "(no output)"
	}

	msg, evts, err := cont.AddToolResult(result, call.ID, isError)
	if err != nil {
		return err
	}
	if err := o.persist(ctx, cont.ID, msg); err != nil {
		return err
	}
	o.publish(ctx, evts)
	return nil
}

// recoverToolNotLoaded handles a provider rejecting a call to a tool that
// was not in the request's tool list. It synthesizes an assistant turn that
// routes the call through invokeother_tool and appends the dispatcher's
// result, so the next model turn can reach the real tool.
func (o *Orchestrator) recoverToolNotLoaded(ctx context.Context, cont *continuum.Continuum, notLoaded *llm.ToolNotLoadedError, reply *Reply) error {
	o.logger.WithContext(ctx).Warn("provider rejected tool call, rerouting",
		"tool", notLoaded.ToolName,
	)

	input := map[string]any{
		"tool_name": notLoaded.ToolName,
		"arguments": map[string]any{},
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	callID := "toolu_" + uuid.NewString()

	call := llm.Block{Type: llm.BlockToolUse, ID: callID, Name: tools.InvokeOtherName, Input: raw}
	content := models.MessageContent{{
		Type:  models.ContentTypeToolUse,
		ID:    callID,
		Name:  tools.InvokeOtherName,
		Input: raw,
	}}
	if err := o.appendAssistant(ctx, cont, content, []llm.Block{call}, ""); err != nil {
		return err
	}
	return o.runToolCall(ctx, cont, call, reply)
}

func (o *Orchestrator) persist(ctx context.Context, continuumID string, msg models.Message) error {
	if err := o.store.AppendMessages(ctx, continuumID, msg); err != nil {
		return fmt.Errorf("persist %s message: %w", msg.Role, err)
	}
	if o.metrics != nil {
		o.metrics.MessagesAppended.WithLabelValues(string(msg.Role)).Inc()
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, evts []events.Event) {
	for _, evt := range evts {
		o.bus.Publish(ctx, evt)
	}
}

// recordWorkingMemory mirrors the reply's tool usage into Valkey. Working
// memory is fail-open: a cache outage must not fail the chat.
func (o *Orchestrator) recordWorkingMemory(ctx context.Context, userID, continuumID string, reply *Reply) {
	if o.working == nil || len(reply.ToolsUsed) == 0 {
		return
	}
	if err := o.working.RecordTools(ctx, userID, continuumID, reply.SegmentID, reply.ToolsUsed); err != nil {
		o.logger.WithContext(ctx).Warn("record working memory", "error", err)
	}
}

func (r *Reply) recordTool(name string) {
	if name == "" {
		return
	}
	for _, existing := range r.ToolsUsed {
		if existing == name {
			return
		}
	}
	r.ToolsUsed = append(r.ToolsUsed, name)
}

// usedToolName resolves which tool actually ran: dispatched calls count as
// their target, not as the dispatcher.
func usedToolName(called string, args map[string]any) string {
	if called != tools.InvokeOtherName {
		return called
	}
	if target, ok := args["tool_name"].(string); ok && target != "" {
		return target
	}
	return called
}

func callNames(calls []llm.Block) []string {
	names := make([]string, 0, len(calls))
	seen := make(map[string]bool, len(calls))
	for _, c := range calls {
		if c.Name == "" || seen[c.Name] {
			continue
		}
		seen[c.Name] = true
		names = append(names, c.Name)
	}
	return names
}

func toolDefinitions(available []tools.Tool) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(available))
	for _, t := range available {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// assistantContent converts response blocks into durable message content.
// Thinking blocks never enter the log.
func assistantContent(resp *llm.Response) models.MessageContent {
	var content models.MessageContent
	for _, b := range resp.Blocks {
		switch b.Type {
		case llm.BlockText:
			if b.Text != "" {
				content = append(content, models.TextBlock(b.Text))
			}
		case llm.BlockToolUse:
			content = append(content, models.ContentBlock{
				Type:  models.ContentTypeToolUse,
				ID:    b.ID,
				Name:  b.Name,
				Input: b.Input,
			})
		}
	}
	return content
}
