package httpapi

import (
	"net/http"

	"github.com/promethea/promethea/internal/fault"
	"github.com/promethea/promethea/internal/memory"
)

type graphNode struct {
	ID         string       `json:"id"`
	Layer      memory.Layer `json:"layer"`
	Label      string       `json:"label"`
	Importance float64      `json:"importance"`
}

type graphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"`
}

func (s *Server) handleMemoryGraph(w http.ResponseWriter, r *http.Request) error {
	user, _ := userFrom(r)
	sessionID := r.PathValue("sid")
	if s.memory == nil {
		return fault.New(fault.KindNotFound, "memory service is disabled")
	}
	// Session ownership gates the whole view; an unknown or foreign
	// session id reads as not found.
	if _, err := s.store.GetSession(r.Context(), user.ID, sessionID); err != nil {
		return err
	}

	facts, err := s.memory.Store().Search(r.Context(), user.ID, memory.SearchOptions{TopK: 200})
	if err != nil {
		return err
	}

	nodes := make([]graphNode, 0, len(facts))
	edges := make([]graphEdge, 0)
	byLayer := map[memory.Layer]int{}
	// Concept nodes link to the facts sharing their lead keyword;
	// summary nodes link to their session's facts.
	factsByKeyword := map[string][]string{}
	factsBySession := map[string][]string{}
	for _, f := range facts {
		nodes = append(nodes, graphNode{
			ID:         f.ID,
			Layer:      f.Layer,
			Label:      f.Content,
			Importance: f.Importance,
		})
		byLayer[f.Layer]++
		if f.Layer == memory.LayerFact {
			if len(f.Keywords) > 0 {
				kw := f.Keywords[0]
				factsByKeyword[kw] = append(factsByKeyword[kw], f.ID)
			}
			if f.SessionID != "" {
				factsBySession[f.SessionID] = append(factsBySession[f.SessionID], f.ID)
			}
		}
	}
	for _, f := range facts {
		switch f.Layer {
		case memory.LayerConcept:
			if len(f.Keywords) == 0 {
				continue
			}
			for _, factID := range factsByKeyword[f.Keywords[0]] {
				edges = append(edges, graphEdge{From: f.ID, To: factID, Kind: "clusters"})
			}
		case memory.LayerSummary:
			for _, factID := range factsBySession[f.SessionID] {
				edges = append(edges, graphEdge{From: f.ID, To: factID, Kind: "summarizes"})
			}
		}
	}

	return writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"nodes":      nodes,
		"edges":      edges,
		"stats": map[string]any{
			"facts":     byLayer[memory.LayerFact],
			"concepts":  byLayer[memory.LayerConcept],
			"summaries": byLayer[memory.LayerSummary],
		},
	})
}

func (s *Server) handleMemoryMaintain(w http.ResponseWriter, r *http.Request) error {
	user, _ := userFrom(r)
	op := r.PathValue("op")
	sessionID := r.PathValue("sid")
	if s.memory == nil {
		return fault.New(fault.KindNotFound, "memory service is disabled")
	}
	if _, err := s.store.GetSession(r.Context(), user.ID, sessionID); err != nil {
		return err
	}

	graph := s.memory.Store()
	switch op {
	case "cluster":
		report, err := graph.Cluster(r.Context(), user.ID)
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, map[string]any{"op": op, "report": report})
	case "summarize":
		report, err := graph.Summarize(r.Context(), user.ID)
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, map[string]any{"op": op, "report": report})
	case "decay", "cleanup":
		report, err := graph.Decay(r.Context(), user.ID)
		if err != nil {
			return err
		}
		return writeJSON(w, http.StatusOK, map[string]any{"op": op, "report": report})
	default:
		return fault.Newf(fault.KindInvalidArguments, "unknown memory operation %q", op)
	}
}
