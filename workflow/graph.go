package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// End is the sentinel target marking graph termination.
const End = "__end__"

// RouteFunc decides the next node id based on the current value.
// Returning End terminates the graph.
type RouteFunc func(ctx context.Context, input any) (string, error)

// graphNode is a node with either a fixed successor or a conditional route.
type graphNode struct {
	id    string
	step  Step
	next  string    // fixed edge target; "" when router is set
	route RouteFunc // conditional edge; nil when next is set
}

// Graph executes named steps connected by fixed and conditional edges.
// Unlike ChainWorkflow, branching is declared on the graph rather than
// hidden inside step bodies.
type Graph struct {
	name        string
	description string
	nodes       map[string]*graphNode
	start       string
	maxSteps    int
	logger      *zap.Logger
}

// NewGraph creates an empty graph workflow.
func NewGraph(name, description string, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		name:        name,
		description: description,
		nodes:       make(map[string]*graphNode),
		maxSteps:    100,
		logger:      logger.With(zap.String("component", "graph"), zap.String("workflow", name)),
	}
}

func (g *Graph) Name() string        { return g.name }
func (g *Graph) Description() string { return g.description }

// SetMaxSteps caps the number of node executions per run. Conditional edges
// may legally revisit nodes; the cap turns an accidental infinite loop into
// an error instead of a hang.
func (g *Graph) SetMaxSteps(n int) {
	if n > 0 {
		g.maxSteps = n
	}
}

// AddNode registers a step under its node id.
func (g *Graph) AddNode(id string, step Step) error {
	if id == "" || id == End {
		return fmt.Errorf("invalid node id: %q", id)
	}
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("duplicate node id: %q", id)
	}
	g.nodes[id] = &graphNode{id: id, step: step}
	return nil
}

// SetStart marks the entry node.
func (g *Graph) SetStart(id string) error {
	if _, ok := g.nodes[id]; !ok {
		return fmt.Errorf("start node %q not found", id)
	}
	g.start = id
	return nil
}

// AddEdge connects from → to unconditionally. to may be End.
func (g *Graph) AddEdge(from, to string) error {
	n, ok := g.nodes[from]
	if !ok {
		return fmt.Errorf("edge source %q not found", from)
	}
	if to != End {
		if _, ok := g.nodes[to]; !ok {
			return fmt.Errorf("edge target %q not found", to)
		}
	}
	if n.route != nil {
		return fmt.Errorf("node %q already has a conditional edge", from)
	}
	n.next = to
	return nil
}

// AddConditionalEdge attaches a route function to from. The route result must
// name a registered node or End.
func (g *Graph) AddConditionalEdge(from string, route RouteFunc) error {
	n, ok := g.nodes[from]
	if !ok {
		return fmt.Errorf("edge source %q not found", from)
	}
	if n.next != "" {
		return fmt.Errorf("node %q already has a fixed edge", from)
	}
	n.route = route
	return nil
}

// Validate checks graph shape: a start node, every node wired to a successor,
// and no cycle through fixed edges. Cycles through conditional edges are
// allowed and bounded by maxSteps at run time.
func (g *Graph) Validate() error {
	if g.start == "" {
		return fmt.Errorf("graph %q has no start node", g.name)
	}
	for id, n := range g.nodes {
		if n.next == "" && n.route == nil {
			return fmt.Errorf("node %q has no outgoing edge", id)
		}
	}

	// Follow fixed edges only; revisiting a node means a static cycle.
	seen := make(map[string]bool)
	cur := g.start
	for cur != End {
		n := g.nodes[cur]
		if n == nil || n.route != nil {
			break
		}
		if seen[cur] {
			return fmt.Errorf("static cycle detected at node %q", cur)
		}
		seen[cur] = true
		cur = n.next
	}
	return nil
}

// Execute runs the graph from the start node until End.
func (g *Graph) Execute(ctx context.Context, input any) (any, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	current := input
	nodeID := g.start

	for steps := 0; nodeID != End; steps++ {
		if steps >= g.maxSteps {
			return nil, fmt.Errorf("graph %q exceeded max steps (%d)", g.name, g.maxSteps)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, ok := g.nodes[nodeID]
		if !ok {
			return nil, fmt.Errorf("route returned unknown node %q", nodeID)
		}

		emitEvent(ctx, StreamEvent{Type: EventNodeStart, NodeName: n.step.Name()})
		g.logger.Debug("executing node", zap.String("node", nodeID))

		result, err := n.step.Execute(ctx, current)
		if err != nil {
			emitEvent(ctx, StreamEvent{Type: EventNodeError, NodeName: n.step.Name(), Error: err})
			return nil, fmt.Errorf("node %q failed: %w", nodeID, err)
		}
		emitEvent(ctx, StreamEvent{Type: EventNodeComplete, NodeName: n.step.Name(), Data: result})
		current = result

		if n.route != nil {
			next, err := n.route(ctx, current)
			if err != nil {
				return nil, fmt.Errorf("routing from node %q failed: %w", nodeID, err)
			}
			nodeID = next
		} else {
			nodeID = n.next
		}
	}

	return current, nil
}
