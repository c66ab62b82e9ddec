package graph

import (
	"fmt"

	"github.com/verityai/verity/internal/index"
)

// Node identifies a position in the conversation graph.
type Node int

const (
	NodeStart Node = iota
	NodeAnalyze
	NodeEscalate
	NodeRetrieve
	NodeAugment
	NodeGenerate
	NodeDone
	NodeFailed
)

func (n Node) String() string {
	switch n {
	case NodeStart:
		return "start"
	case NodeAnalyze:
		return "analyze"
	case NodeEscalate:
		return "escalate"
	case NodeRetrieve:
		return "retrieve"
	case NodeAugment:
		return "augment"
	case NodeGenerate:
		return "generate"
	case NodeDone:
		return "done"
	case NodeFailed:
		return "failed"
	default:
		return fmt.Sprintf("node(%d)", int(n))
	}
}

// Terminal reports whether the node ends a run.
func (n Node) Terminal() bool {
	return n == NodeDone || n == NodeFailed
}

// transitions is the complete edge set of the graph. Any move outside this
// set is a programming error.
var transitions = map[Node][]Node{
	NodeStart:    {NodeAnalyze},
	NodeAnalyze:  {NodeEscalate, NodeRetrieve, NodeFailed},
	NodeEscalate: {NodeDone},
	NodeRetrieve: {NodeAugment, NodeFailed},
	NodeAugment:  {NodeGenerate},
	NodeGenerate: {NodeDone, NodeRetrieve, NodeFailed},
}

// Sentiment is the analyze gate's verdict on the user message.
type Sentiment int

const (
	SentimentPositive Sentiment = iota
	SentimentNegative
)

func (s Sentiment) String() string {
	if s == SentimentNegative {
		return "negative"
	}
	return "positive"
}

// State carries one run's progress through the graph. It lives only for the
// duration of Run and is never persisted.
type State struct {
	Node      Node
	Sentiment Sentiment
	Query     string
	Matches   []index.Match
	Retries   int
	Answer    string
}

// advance moves the state to the next node, panicking on an illegal edge.
// The transition table is fixed at compile time, so a violation can only
// come from an engine bug.
func (s *State) advance(to Node) {
	for _, legal := range transitions[s.Node] {
		if legal == to {
			s.Node = to
			return
		}
	}
	panic(fmt.Sprintf("illegal graph transition %s -> %s", s.Node, to))
}
