package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/miranda/internal/bus"
	"github.com/antoniostano/miranda/internal/memory"
	"github.com/antoniostano/miranda/internal/model"
	"github.com/antoniostano/miranda/internal/observability"
	"github.com/antoniostano/miranda/internal/protocol"
)

// Request is one verified chat turn handed to the orchestrator by the gate.
type Request struct {
	TurnID       string
	UserID       string
	RoomID       string
	ReplySubject string
	AckSubject   string
	Model        string
	UseTools     bool
	First        bool
	History      []model.Message
	Input        string
}

// PersonaSource resolves the system persona for a user.
type PersonaSource interface {
	Persona(ctx context.Context, userID string) (string, error)
}

// MemorySearcher recalls summaries relevant to the incoming message,
// scoped to the room the turn belongs to.
type MemorySearcher interface {
	Search(ctx context.Context, userID, roomID, query string) ([]memory.Summary, error)
}

// TitleUpdater names a room after its first turn.
type TitleUpdater interface {
	UpdateTitle(ctx context.Context, roomID, title string) error
}

// Options configures an Orchestrator.
type Options struct {
	Provider     model.Provider
	Publisher    bus.Publisher
	Persona      PersonaSource
	Memories     MemorySearcher
	Documents    DocumentStore
	Titles       TitleUpdater
	Metrics      *observability.Metrics
	ChatModel    string
	UtilityModel string

	// MaxToolRounds bounds how many tool rounds run before the turn is
	// forced to finish, so a model that keeps asking for tools cannot
	// spin forever.
	MaxToolRounds int
}

// Orchestrator drives a single chat turn: enrich the prompt, stream the model
// reply to the caller's reply subject, execute requested document tools, and
// terminate the stream exactly once.
type Orchestrator struct {
	opts Options
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("turn: provider is required")
	}
	if opts.Publisher == nil {
		return nil, fmt.Errorf("turn: publisher is required")
	}
	if opts.Documents == nil {
		opts.Documents = NewInMemoryDocuments()
	}
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = 1
	}
	return &Orchestrator{opts: opts}, nil
}

// Run executes one turn. The reply stream always terminates with exactly one
// chat_finish or error chunk; a canceled context suppresses further content
// but still attempts the terminal publish on a detached context.
func (o *Orchestrator) Run(ctx context.Context, req Request) error {
	start := time.Now()

	if req.AckSubject != "" {
		ack, _ := json.Marshal(map[string]string{"turn_id": req.TurnID, "status": "accepted"})
		if err := o.opts.Publisher.Publish(ctx, req.AckSubject, bus.Headers{RoomID: req.RoomID}, ack); err != nil {
			log.Printf("turn %s: ack publish failed: %v", req.TurnID, err)
		}
	}

	messages, err := o.enrich(ctx, req)
	if err != nil {
		o.fail(req, fmt.Sprintf("prepare turn: %v", err))
		return err
	}

	finishReason, err := o.streamRounds(ctx, req, messages)
	if err != nil {
		o.fail(req, "the assistant could not complete this reply")
		return err
	}

	finalizeStart := time.Now()
	if err := o.publishChunk(ctx, req.ReplySubject, protocol.ChatFinish{
		Type:         protocol.TypeChatFinish,
		RoomID:       req.RoomID,
		FinishReason: finishReason,
	}); err != nil {
		o.observe("finalize", finalizeStart)
		o.countTurn("publish_error")
		return fmt.Errorf("publish chat_finish: %w", err)
	}
	o.observe("finalize", finalizeStart)

	if req.First {
		o.title(ctx, req)
	}

	o.countTurn("success")
	if m := o.opts.Metrics; m != nil {
		m.TurnDuration.Observe(float64(time.Since(start).Milliseconds()))
	}
	o.observe("turn_total", start)
	return nil
}

// enrich assembles the prompt: persona, recalled summaries, room history and
// the new user message. Memory failures degrade to an unenriched prompt.
func (o *Orchestrator) enrich(ctx context.Context, req Request) ([]model.Message, error) {
	stageStart := time.Now()
	defer o.observe("enrich", stageStart)

	var messages []model.Message

	if o.opts.Persona != nil {
		persona, err := o.opts.Persona.Persona(ctx, req.UserID)
		if err != nil {
			log.Printf("turn %s: persona lookup failed: %v", req.TurnID, err)
		} else if persona != "" {
			messages = append(messages, model.Message{Role: "system", Content: persona})
		}
	}

	if o.opts.Memories != nil {
		summaries, err := o.opts.Memories.Search(ctx, req.UserID, req.RoomID, req.Input)
		if err != nil {
			log.Printf("turn %s: memory search failed: %v", req.TurnID, err)
		} else if len(summaries) > 0 {
			var sb strings.Builder
			sb.WriteString("Relevant summaries of earlier conversations:\n")
			for _, s := range summaries {
				sb.WriteString("- ")
				sb.WriteString(s.Text)
				sb.WriteByte('\n')
			}
			messages = append(messages, model.Message{Role: "system", Content: sb.String()})
		}
	}

	messages = append(messages, req.History...)
	messages = append(messages, model.Message{Role: "user", Content: req.Input})
	return messages, nil
}

// streamRounds dispatches the model and runs bounded tool rounds. It returns
// the finish reason for the terminal chat_finish chunk.
func (o *Orchestrator) streamRounds(ctx context.Context, req Request, messages []model.Message) (string, error) {
	chatModel := req.Model
	if chatModel == "" {
		chatModel = o.opts.ChatModel
	}

	var tools []model.ToolDef
	if req.UseTools {
		tools = documentToolDefs()
	}

	for round := 0; ; round++ {
		dispatchStart := time.Now()
		firstDelta := true

		res, err := o.opts.Provider.Stream(ctx, model.StreamRequest{
			Model:    chatModel,
			Messages: messages,
			Tools:    tools,
		}, func(delta string) error {
			if firstDelta {
				firstDelta = false
				o.observe("dispatch_first_delta", dispatchStart)
			}
			return o.publishChunk(ctx, req.ReplySubject, protocol.ChatChunk{
				Type:    protocol.TypeChatChunk,
				RoomID:  req.RoomID,
				Content: delta,
			})
		})
		if err != nil {
			return "", fmt.Errorf("stream round %d: %w", round, err)
		}

		if res.Kind != model.ResultToolCalls || len(res.ToolCalls) == 0 {
			if res.FinishReason != "" {
				return res.FinishReason, nil
			}
			return "stop", nil
		}

		if round >= o.opts.MaxToolRounds {
			log.Printf("turn %s: tool round limit reached, forcing finish", req.TurnID)
			return "tool_limit", nil
		}

		toolStart := time.Now()
		results := o.executeToolCalls(ctx, req, chatModel, res.ToolCalls)
		o.observe("tool_execution", toolStart)

		messages = append(messages, model.Message{
			Role:      "assistant",
			Content:   res.Content,
			ToolCalls: res.ToolCalls,
		})
		messages = append(messages, results...)
	}
}

func (o *Orchestrator) executeToolCalls(ctx context.Context, req Request, chatModel string, calls []model.ToolCall) []model.Message {
	results := make([]model.Message, 0, len(calls))
	for _, call := range calls {
		text, err := o.executeToolCall(ctx, req, chatModel, call)
		outcome := "success"
		if err != nil {
			// Tool failures become tool results so the model can recover
			// in the follow-up round instead of killing the turn.
			text = fmt.Sprintf("tool %s failed: %v", call.Name, err)
			outcome = "error"
			if isArgumentError(err) {
				outcome = "invalid_args"
			}
		}
		if m := o.opts.Metrics; m != nil {
			m.ToolExecutions.WithLabelValues(call.Name, outcome).Inc()
		}
		results = append(results, model.Message{
			Role:       "tool",
			Content:    text,
			ToolCallID: call.ID,
		})
	}
	return results
}

func (o *Orchestrator) executeToolCall(ctx context.Context, req Request, chatModel string, call model.ToolCall) (string, error) {
	switch call.Name {
	case toolCreateDocument:
		return o.createDocument(ctx, req, chatModel, call)
	case toolUpdateDocument:
		return o.updateDocument(ctx, req, chatModel, call)
	default:
		return "", &argumentError{fmt.Errorf("unknown tool %q", call.Name)}
	}
}

func (o *Orchestrator) createDocument(ctx context.Context, req Request, chatModel string, call model.ToolCall) (string, error) {
	var args struct {
		Title string `json:"title"`
		Kind  string `json:"kind"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return "", &argumentError{fmt.Errorf("decode create_document arguments: %w", err)}
	}
	if strings.TrimSpace(args.Title) == "" {
		return "", &argumentError{fmt.Errorf("create_document requires a title")}
	}
	if args.Kind == "" {
		args.Kind = "text"
	}

	docID := documentID(req.TurnID, call.ID)
	if err := o.publishChunk(ctx, req.ReplySubject, protocol.ArtifactCreateInit{
		Type:       protocol.TypeArtifactCreateInit,
		RoomID:     req.RoomID,
		DocumentID: docID,
		Title:      args.Title,
		Kind:       args.Kind,
	}); err != nil {
		return "", err
	}

	body, err := o.streamDocumentBody(ctx, req, chatModel, docID, []model.Message{
		{Role: "system", Content: fmt.Sprintf("Write the full body of a %s document titled %q. Reply with the document content only, no commentary.", args.Kind, args.Title)},
		{Role: "user", Content: req.Input},
	})
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	doc := Document{
		ID:        docID,
		RoomID:    req.RoomID,
		Title:     args.Title,
		Kind:      args.Kind,
		Content:   body,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.opts.Documents.Save(ctx, doc); err != nil {
		return "", fmt.Errorf("save document: %w", err)
	}
	return fmt.Sprintf("created document %s titled %q", doc.ID, doc.Title), nil
}

func (o *Orchestrator) updateDocument(ctx context.Context, req Request, chatModel string, call model.ToolCall) (string, error) {
	var args struct {
		DocumentID  string `json:"document_id"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return "", &argumentError{fmt.Errorf("decode update_document arguments: %w", err)}
	}
	if args.DocumentID == "" {
		return "", &argumentError{fmt.Errorf("update_document requires a document_id")}
	}

	doc, err := o.opts.Documents.Load(ctx, args.DocumentID)
	if err != nil {
		return "", fmt.Errorf("load document %s: %w", args.DocumentID, err)
	}

	body, err := o.streamDocumentBody(ctx, req, chatModel, doc.ID, []model.Message{
		{Role: "system", Content: "Rewrite the document below according to the instruction. Reply with the full updated document content only, no commentary."},
		{Role: "user", Content: fmt.Sprintf("Instruction: %s\n\nDocument:\n%s", args.Description, doc.Content)},
	})
	if err != nil {
		return "", err
	}

	doc.Content = body
	doc.UpdatedAt = time.Now().UTC()
	if err := o.opts.Documents.Save(ctx, doc); err != nil {
		return "", fmt.Errorf("save document: %w", err)
	}
	return fmt.Sprintf("updated document %s", doc.ID), nil
}

// streamDocumentBody dispatches a dedicated model call for the document body,
// forwards its deltas as artifact chunks and closes the document sub-stream
// with artifact_finish. The chat stream stays open. The accumulated body is
// returned for persistence.
func (o *Orchestrator) streamDocumentBody(ctx context.Context, req Request, chatModel, docID string, prompt []model.Message) (string, error) {
	res, err := o.opts.Provider.Stream(ctx, model.StreamRequest{
		Model:    chatModel,
		Messages: prompt,
	}, func(delta string) error {
		return o.publishChunk(ctx, req.ReplySubject, protocol.ArtifactDelta{
			Type:       protocol.TypeArtifactDelta,
			RoomID:     req.RoomID,
			DocumentID: docID,
			Content:    delta,
		})
	})
	if err != nil {
		return "", fmt.Errorf("stream document body: %w", err)
	}
	if err := o.publishChunk(ctx, req.ReplySubject, protocol.ArtifactFinish{
		Type:       protocol.TypeArtifactFinish,
		RoomID:     req.RoomID,
		DocumentID: docID,
	}); err != nil {
		return "", err
	}
	return res.Content, nil
}

// documentID derives a stable id from the turn and the tool call, so a
// redelivered turn upserts the same document instead of creating a duplicate.
func documentID(turnID, callID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("document/"+turnID+"/"+callID)).String()
}

func (o *Orchestrator) title(ctx context.Context, req Request) {
	if o.opts.Titles == nil {
		return
	}
	stageStart := time.Now()
	defer o.observe("titling", stageStart)

	title, err := o.opts.Provider.Complete(ctx, o.opts.UtilityModel, []model.Message{
		{Role: "system", Content: "Write a title of at most five words for this conversation. Reply with the title only."},
		{Role: "user", Content: req.Input},
	})
	if err != nil {
		log.Printf("turn %s: titling failed: %v", req.TurnID, err)
		return
	}
	title = strings.Trim(strings.TrimSpace(title), `"`)
	if title == "" {
		return
	}
	if err := o.opts.Titles.UpdateTitle(ctx, req.RoomID, title); err != nil {
		log.Printf("turn %s: title update failed: %v", req.TurnID, err)
	}
}

// fail publishes the single terminal error chunk. It uses a detached context
// so a client cancellation cannot also suppress the terminal frame.
func (o *Orchestrator) fail(req Request, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := o.publishChunk(ctx, req.ReplySubject, protocol.ErrorChunk{
		Type:    protocol.TypeError,
		RoomID:  req.RoomID,
		Message: message,
	})
	if err != nil {
		log.Printf("turn %s: error publish failed: %v", req.TurnID, err)
	}
	o.countTurn("error")
}

func (o *Orchestrator) publishChunk(ctx context.Context, subject string, chunk any) error {
	body, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	return o.opts.Publisher.Publish(ctx, subject, bus.Headers{}, body)
}

func (o *Orchestrator) observe(stage string, since time.Time) {
	if m := o.opts.Metrics; m != nil {
		m.ObserveTurnStage(stage, time.Since(since))
	}
}

func (o *Orchestrator) countTurn(outcome string) {
	if m := o.opts.Metrics; m != nil {
		m.Turns.WithLabelValues(outcome).Inc()
	}
}
