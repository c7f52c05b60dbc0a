package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/OnslaughtSnail/virga/kernel/model"
	"github.com/OnslaughtSnail/virga/kernel/permission"
	"github.com/OnslaughtSnail/virga/kernel/toolcap"
)

// FunctionConfig describes a typed function tool.
type FunctionConfig[T any] struct {
	Name        string
	Description string
	Capability  toolcap.Capability
	// PermissionKind and PermissionSubject override how the tool maps
	// onto permission requests. SubjectOf, when set, derives the subject
	// from the decoded arguments.
	PermissionKind string
	SubjectOf      func(T) string
	Execute        func(context.Context, T) (map[string]any, error)
}

type functionTool[T any] struct {
	cfg    FunctionConfig[T]
	schema map[string]any
}

// NewFunction wraps a typed Go function as a Tool. The argument struct's
// json and description tags define the declared parameter schema.
func NewFunction[T any](cfg FunctionConfig[T]) (Tool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tool: function name required")
	}
	if cfg.Execute == nil {
		return nil, fmt.Errorf("tool %s: execute func required", cfg.Name)
	}
	var zero T
	schema, err := schemaForStruct(reflect.TypeOf(zero))
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", cfg.Name, err)
	}
	return &functionTool[T]{cfg: cfg, schema: schema}, nil
}

// MustFunction is NewFunction for tools built at init with known-good
// argument types.
func MustFunction[T any](cfg FunctionConfig[T]) Tool {
	t, err := NewFunction(cfg)
	if err != nil {
		panic(err)
	}
	return t
}

func (f *functionTool[T]) Name() string        { return f.cfg.Name }
func (f *functionTool[T]) Description() string { return f.cfg.Description }

func (f *functionTool[T]) Declaration() model.ToolDefinition {
	return model.ToolDefinition{
		Name:        f.cfg.Name,
		Description: f.cfg.Description,
		Parameters:  f.schema,
	}
}

func (f *functionTool[T]) Capability() toolcap.Capability {
	return f.cfg.Capability
}

func (f *functionTool[T]) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	typed, err := decodeArgs[T](args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.cfg.Name, err)
	}
	return f.cfg.Execute(ctx, typed)
}

// PermissionRequest implements permission.Requester when a subject
// deriver is configured.
func (f *functionTool[T]) PermissionRequest(args map[string]any) (permission.Request, bool) {
	if f.cfg.SubjectOf == nil {
		return permission.Request{}, false
	}
	typed, err := decodeArgs[T](args)
	if err != nil {
		return permission.Request{}, false
	}
	kind := f.cfg.PermissionKind
	if kind == "" {
		kind = f.cfg.Name
	}
	return permission.Request{Kind: kind, Subject: f.cfg.SubjectOf(typed)}, true
}

func decodeArgs[T any](args map[string]any) (T, error) {
	var typed T
	raw, err := json.Marshal(args)
	if err != nil {
		return typed, fmt.Errorf("encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, &typed); err != nil {
		return typed, fmt.Errorf("invalid arguments: %w", err)
	}
	return typed, nil
}
