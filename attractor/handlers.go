// ABOUTME: NodeHandler interface, handler-kind resolution, and the handler registry.
// ABOUTME: node_type overrides win over shape mapping; unknown shapes default to codergen.
package attractor

import (
	"context"
)

// HandlerKind names a registered handler implementation.
type HandlerKind string

const (
	KindStart       HandlerKind = "start"
	KindExit        HandlerKind = "exit"
	KindCodergen    HandlerKind = "codergen"
	KindConditional HandlerKind = "conditional"
	KindTool        HandlerKind = "tool"
	KindWaitHuman   HandlerKind = "wait.human"
	KindParallel    HandlerKind = "parallel"
	KindFanIn       HandlerKind = "parallel.fan_in"
	KindManager     HandlerKind = "manager.loop"
)

// NodeHandler executes a single node. Handlers read the context and node
// record only; every state change they make travels back through the
// returned Outcome's ContextUpdates.
type NodeHandler interface {
	// Kind returns the handler kind this implementation serves.
	Kind() HandlerKind

	// Execute runs the node. ctx carries the node deadline when the node
	// declares a timeout; pctx is the shared context (read-only by
	// convention); store receives large outputs.
	Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error)
}

// shapeToKind maps node shapes to default handler kinds.
var shapeToKind = map[string]HandlerKind{
	"Mdiamond":      KindStart,
	"Msquare":       KindExit,
	"box":           KindCodergen,
	"diamond":       KindConditional,
	"parallelogram": KindTool,
	"hexagon":       KindWaitHuman,
	"component":     KindParallel,
	"tripleoctagon": KindFanIn,
	"house":         KindManager,
}

// ResolveHandlerKind resolves a node to its handler kind: an explicit
// node_type wins; otherwise the shape mapping applies; unknown shapes
// and shapeless nodes default to codergen.
func ResolveHandlerKind(node *Node) HandlerKind {
	if t := node.NodeType(); t != "" {
		return HandlerKind(t)
	}
	if kind, ok := shapeToKind[node.Shape()]; ok {
		return kind
	}
	return KindCodergen
}

// HandlerRegistry maps handler kinds to implementations.
type HandlerRegistry struct {
	handlers map[HandlerKind]NodeHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[HandlerKind]NodeHandler)}
}

// Register adds a handler, keyed by its Kind. Re-registering a kind
// replaces the previous handler.
func (r *HandlerRegistry) Register(handler NodeHandler) {
	r.handlers[handler.Kind()] = handler
}

// Get returns the handler for the given kind, or nil.
func (r *HandlerRegistry) Get(kind HandlerKind) NodeHandler {
	return r.handlers[kind]
}

// Resolve maps a node to its handler. A resolved kind with no registered
// implementation is a HandlerMissingError.
func (r *HandlerRegistry) Resolve(node *Node) (NodeHandler, error) {
	kind := ResolveHandlerKind(node)
	h, ok := r.handlers[kind]
	if !ok {
		return nil, &HandlerMissingError{Kind: string(kind), NodeID: node.ID}
	}
	return h, nil
}

// DefaultHandlerRegistry creates a registry with all built-in handlers.
func DefaultHandlerRegistry() *HandlerRegistry {
	reg := NewHandlerRegistry()
	reg.Register(&StartHandler{})
	reg.Register(&ExitHandler{})
	reg.Register(&CodergenHandler{})
	reg.Register(&ConditionalHandler{})
	reg.Register(&ToolHandler{})
	reg.Register(&WaitHumanHandler{})
	reg.Register(&ParallelHandler{})
	reg.Register(&FanInHandler{})
	reg.Register(&ManagerLoopHandler{})
	return reg
}
