// Package bridge carries typed request/response messages between the popup,
// the per-tab content scripts, the background service and the dashboard page.
//
// Two transports exist: RuntimeBus, the extension runtime channel addressed by
// Endpoint, and WindowBus, page-level window messaging filtered by origin.
// Transport failures never surface as Go errors to callers; they come back as
// a Response or Result with Success=false and one of the ErrorCode values.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"smartrack/internal/domain"
)

// MessageType names a message on the wire.
type MessageType string

const (
	TypeRequestAuthToken  MessageType = "SRT_REQUEST_AUTH_TOKEN"
	TypeAuthTokenResponse MessageType = "SRT_AUTH_TOKEN_RESPONSE"
	TypeExtractPageData   MessageType = "EXTRACT_PAGE_DATA"
	TypeSaveLink          MessageType = "SAVE_LINK"
	TypeLinkSaved         MessageType = "LINK_SAVED"
	TypeGetLabels         MessageType = "GET_LABELS"
	TypePing              MessageType = "PING"
)

// ErrorCode is the closed set of transport failure codes.
type ErrorCode string

const (
	CodeContentScriptUnavailable ErrorCode = "content_script_unavailable"
	CodeBackgroundUnavailable    ErrorCode = "background_unavailable"
	CodeInvalidMessageFormat     ErrorCode = "invalid_message_format"
)

// ErrUnsupported is returned by responders for request types they do not serve.
var ErrUnsupported = errors.New("message type not supported by this context")

// Message is the envelope exchanged over both transports.
type Message struct {
	Type      MessageType     `json:"type"`
	MessageID string          `json:"messageId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response answers a Message and echoes its MessageID. Error is set for
// transport failures; Message carries a responder's own failure text.
type Response struct {
	MessageID string          `json:"messageId,omitempty"`
	Success   bool            `json:"success"`
	Error     ErrorCode       `json:"error,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CodeError lets a responder relay a transport failure it observed itself,
// such as a content script whose background is unreachable.
type CodeError struct {
	Code ErrorCode
}

func (e *CodeError) Error() string { return string(e.Code) }

func failure(messageID string, code ErrorCode) Response {
	return Response{MessageID: messageID, Success: false, Error: code}
}

// Result is a decoded Response.
type Result[T any] struct {
	Success bool
	Error   ErrorCode
	Message string
	Data    T
}

// Unavailable reports whether the counterpart context could not be reached.
func (r Result[T]) Unavailable() bool {
	return r.Error == CodeContentScriptUnavailable || r.Error == CodeBackgroundUnavailable
}

// Decode converts a Response into a typed Result. A payload that does not fit T
// turns into CodeInvalidMessageFormat.
func Decode[T any](resp Response) Result[T] {
	res := Result[T]{Success: resp.Success, Error: resp.Error, Message: resp.Message}
	if !resp.Success || len(resp.Data) == 0 {
		return res
	}
	if err := json.Unmarshal(resp.Data, &res.Data); err != nil {
		return Result[T]{Error: CodeInvalidMessageFormat, Message: err.Error()}
	}
	return res
}

// Request is one of the closed set of runtime requests. dispatch routes the
// request to the matching Responder method, so a new request type cannot be
// added without every Responder learning about it.
type Request interface {
	Type() MessageType
	dispatch(ctx context.Context, r Responder) (any, error)
}

// Responder serves every runtime request type. Contexts that serve only some
// of them embed Unsupported.
type Responder interface {
	Ping(ctx context.Context, req PingRequest) (PingResult, error)
	ExtractPageData(ctx context.Context, req ExtractPageDataRequest) (domain.PageData, error)
	SaveLink(ctx context.Context, req SaveLinkRequest) (SaveLinkResult, error)
	LinkSaved(ctx context.Context, req LinkSavedNotice) error
	GetLabels(ctx context.Context, req GetLabelsRequest) (LabelsResult, error)
}

// Unsupported answers every request with ErrUnsupported.
type Unsupported struct{}

func (Unsupported) Ping(context.Context, PingRequest) (PingResult, error) {
	return PingResult{}, ErrUnsupported
}

func (Unsupported) ExtractPageData(context.Context, ExtractPageDataRequest) (domain.PageData, error) {
	return domain.PageData{}, ErrUnsupported
}

func (Unsupported) SaveLink(context.Context, SaveLinkRequest) (SaveLinkResult, error) {
	return SaveLinkResult{}, ErrUnsupported
}

func (Unsupported) LinkSaved(context.Context, LinkSavedNotice) error {
	return ErrUnsupported
}

func (Unsupported) GetLabels(context.Context, GetLabelsRequest) (LabelsResult, error) {
	return LabelsResult{}, ErrUnsupported
}

// PingRequest checks whether a context is listening. It is answered synchronously.
type PingRequest struct{}

type PingResult struct {
	OK bool `json:"ok"`
}

type ExtractPageDataRequest struct{}

type SaveLinkRequest struct {
	Link domain.SavedLink `json:"link"`
	// Confirm saves even when links with the same URL already exist.
	Confirm bool `json:"confirm,omitempty"`
}

type SaveLinkResult struct {
	Link       *domain.SavedLink  `json:"link,omitempty"`
	Duplicates []domain.SavedLink `json:"duplicates,omitempty"`
	// Synced is false when the link was only written to the local store.
	Synced bool `json:"synced"`
}

// LinkSavedNotice tells the background a link was saved elsewhere. It expects no reply.
type LinkSavedNotice struct {
	Link   domain.SavedLink `json:"link"`
	Source string           `json:"source,omitempty"`
}

type GetLabelsRequest struct{}

type LabelsResult struct {
	Labels []string `json:"labels"`
}

func (PingRequest) Type() MessageType            { return TypePing }
func (ExtractPageDataRequest) Type() MessageType { return TypeExtractPageData }
func (SaveLinkRequest) Type() MessageType        { return TypeSaveLink }
func (LinkSavedNotice) Type() MessageType        { return TypeLinkSaved }
func (GetLabelsRequest) Type() MessageType       { return TypeGetLabels }

func (q PingRequest) dispatch(ctx context.Context, r Responder) (any, error) {
	return r.Ping(ctx, q)
}

func (q ExtractPageDataRequest) dispatch(ctx context.Context, r Responder) (any, error) {
	return r.ExtractPageData(ctx, q)
}

func (q SaveLinkRequest) dispatch(ctx context.Context, r Responder) (any, error) {
	return r.SaveLink(ctx, q)
}

func (q LinkSavedNotice) dispatch(ctx context.Context, r Responder) (any, error) {
	return nil, r.LinkSaved(ctx, q)
}

func (q GetLabelsRequest) dispatch(ctx context.Context, r Responder) (any, error) {
	return r.GetLabels(ctx, q)
}

// decoders maps every runtime request type to its payload decoder.
var decoders = map[MessageType]func(json.RawMessage) (Request, error){
	TypePing:            decodeAs[PingRequest],
	TypeExtractPageData: decodeAs[ExtractPageDataRequest],
	TypeSaveLink:        decodeAs[SaveLinkRequest],
	TypeLinkSaved:       decodeAs[LinkSavedNotice],
	TypeGetLabels:       decodeAs[GetLabelsRequest],
}

func decodeAs[T Request](payload json.RawMessage) (Request, error) {
	var req T
	if len(payload) == 0 || string(payload) == "null" {
		return req, nil
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return req, nil
}

// errUnknownType marks a message whose type is not in the vocabulary.
var errUnknownType = errors.New("unknown message type")

// DecodeRequest turns a wire Message into its typed Request.
func DecodeRequest(msg Message) (Request, error) {
	decode, ok := decoders[msg.Type]
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownType, msg.Type)
	}
	req, err := decode(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return req, nil
}

// Encode wraps req in a Message with a fresh MessageID.
func Encode(req Request) (Message, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", req.Type(), err)
	}
	return Message{Type: req.Type(), MessageID: NewMessageID(), Payload: payload}, nil
}

// NewMessageID returns an identifier used to pair a response with its request.
func NewMessageID() string {
	return uuid.NewString()
}

// isNotification reports whether a request type expects no reply.
func isNotification(t MessageType) bool {
	return t == TypeLinkSaved
}

// isSynchronous reports whether a request type is answered before the
// listener returns.
func isSynchronous(t MessageType) bool {
	return t == TypePing
}
