package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	oasis "github.com/lumenai/gateway"
)

// validRelations maps LLM-output relation strings to typed constants.
var validRelations = map[string]oasis.RelationType{
	"references":  oasis.RelReferences,
	"elaborates":  oasis.RelElaborates,
	"depends_on":  oasis.RelDependsOn,
	"contradicts": oasis.RelContradicts,
	"part_of":     oasis.RelPartOf,
	"similar_to":  oasis.RelSimilarTo,
	"sequence":    oasis.RelSequence,
	"caused_by":   oasis.RelCausedBy,
}

const graphExtractionPrompt = `You are a knowledge graph extractor. Analyze the following text chunks and identify relationships between them.

For each relationship found, output a JSON edge with:
- "source": the chunk ID that holds the relationship
- "target": the chunk ID being referenced
- "relation": one of: references, elaborates, depends_on, contradicts, part_of, similar_to, sequence, caused_by
- "weight": confidence score from 0.0 to 1.0
- "description": a short phrase explaining the relationship (optional)

Relationship type definitions:
- references: chunk A cites or mentions content from chunk B
- elaborates: chunk A provides more detail on chunk B's topic
- depends_on: chunk A assumes knowledge from chunk B
- contradicts: chunk A conflicts with chunk B
- part_of: chunk A is a component or subset of chunk B
- similar_to: chunks cover overlapping topics
- sequence: chunk A follows chunk B in logical order
- caused_by: chunk A is a consequence of chunk B

Output ONLY valid JSON in this format:
{"edges":[{"source":"chunk_id","target":"chunk_id","relation":"type","weight":0.0,"description":"..."}]}

If no relationships exist, output: {"edges":[]}

Chunks:
`

// extractGraphEdges sends chunks to an LLM in overlapping sliding-window
// batches and extracts relationship edges. overlap is how many chunks each
// batch shares with the previous one, giving the model context across batch
// boundaries without re-sending the whole document. Batches are processed
// concurrently, bounded by workers; ctx cancellation stops scheduling new
// batches but lets in-flight ones finish.
func extractGraphEdges(ctx context.Context, provider oasis.Provider, chunks []oasis.Chunk, batchSize, overlap, workers int, logger *slog.Logger) ([]oasis.ChunkEdge, error) {
	if len(chunks) < 2 {
		return nil, nil
	}
	if batchSize <= 0 {
		batchSize = 5
	}
	if overlap < 0 || overlap >= batchSize {
		overlap = 0
	}
	if workers <= 0 {
		workers = 1
	}

	stride := batchSize - overlap
	var batches [][]oasis.Chunk
	for i := 0; i < len(chunks); i += stride {
		end := min(i+batchSize, len(chunks))
		batch := chunks[i:end]
		if len(batch) >= 2 {
			batches = append(batches, batch)
		}
		if end == len(chunks) {
			break
		}
	}

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var allEdges []oasis.ChunkEdge

batchLoop:
	for bi, batch := range batches {
		if ctx.Err() != nil {
			break batchLoop
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break batchLoop
		}

		wg.Add(1)
		go func(idx int, batch []oasis.Chunk) {
			defer wg.Done()
			defer func() { <-sem }()

			var prompt strings.Builder
			prompt.WriteString(graphExtractionPrompt)
			for _, c := range batch {
				fmt.Fprintf(&prompt, "\n[%s]: %s\n", c.ID, c.Content)
			}

			resp, err := provider.Chat(ctx, oasis.ChatRequest{
				Messages: []oasis.ChatMessage{
					{Role: "user", Content: prompt.String()},
				},
			})
			if err != nil {
				if logger != nil {
					logger.Warn("graph extraction: LLM call failed", "batch", idx, "err", err)
				}
				return
			}

			edges, err := parseEdgeResponse(resp.Content, batch)
			if err != nil {
				if logger != nil {
					logger.Warn("graph extraction: parse failed", "batch", idx, "err", err)
				}
				return
			}

			mu.Lock()
			allEdges = append(allEdges, edges...)
			mu.Unlock()
		}(bi, batch)
	}

	wg.Wait()
	return allEdges, nil
}

// parseEdgeResponse parses LLM JSON output into ChunkEdge values.
// Only edges referencing valid chunk IDs from the batch are kept.
func parseEdgeResponse(content string, chunks []oasis.Chunk) ([]oasis.ChunkEdge, error) {
	var parsed struct {
		Edges []struct {
			Source      string  `json:"source"`
			Target      string  `json:"target"`
			Relation    string  `json:"relation"`
			Weight      float32 `json:"weight"`
			Description string  `json:"description"`
		} `json:"edges"`
	}

	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, err
	}

	validIDs := make(map[string]bool, len(chunks))
	for _, c := range chunks {
		validIDs[c.ID] = true
	}

	var edges []oasis.ChunkEdge
	for _, e := range parsed.Edges {
		if !validIDs[e.Source] || !validIDs[e.Target] || e.Source == e.Target {
			continue
		}
		rel, ok := validRelations[e.Relation]
		if !ok {
			continue
		}
		if e.Weight <= 0 || e.Weight > 1 {
			continue
		}
		edges = append(edges, oasis.ChunkEdge{
			ID:          oasis.NewID(),
			SourceID:    e.Source,
			TargetID:    e.Target,
			Relation:    rel,
			Weight:      e.Weight,
			Description: e.Description,
		})
	}

	return edges, nil
}

// buildSequenceEdges creates sequence edges between consecutive chunks
// (sorted by ChunkIndex). Only chunks that share the same ParentID are
// linked — this covers both flat chunks (ParentID == "") and children
// within the same parent group.
func buildSequenceEdges(chunks []oasis.Chunk) []oasis.ChunkEdge {
	if len(chunks) < 2 {
		return nil
	}

	sorted := make([]oasis.Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ChunkIndex < sorted[j].ChunkIndex
	})

	edges := make([]oasis.ChunkEdge, 0, len(sorted)-1)
	for i := 0; i < len(sorted)-1; i++ {
		if sorted[i].ParentID != sorted[i+1].ParentID {
			continue
		}
		edges = append(edges, oasis.ChunkEdge{
			ID:       oasis.NewID(),
			SourceID: sorted[i].ID,
			TargetID: sorted[i+1].ID,
			Relation: oasis.RelSequence,
			Weight:   1.0,
		})
	}
	return edges
}

// deduplicateEdges collapses edges sharing the same source, target, and
// relation into one, keeping the highest-weight occurrence (and its
// description). Sliding-window batches with overlap can rediscover the same
// relationship more than once.
func deduplicateEdges(edges []oasis.ChunkEdge) []oasis.ChunkEdge {
	type key struct {
		source, target string
		relation       oasis.RelationType
	}
	best := make(map[key]oasis.ChunkEdge, len(edges))
	var order []key

	for _, e := range edges {
		k := key{e.SourceID, e.TargetID, e.Relation}
		existing, ok := best[k]
		if !ok {
			order = append(order, k)
			best[k] = e
			continue
		}
		if e.Weight > existing.Weight {
			best[k] = e
		}
	}

	deduped := make([]oasis.ChunkEdge, 0, len(order))
	for _, k := range order {
		deduped = append(deduped, best[k])
	}
	return deduped
}

// pruneEdges removes edges below minWeight and caps edges per source chunk to maxPerChunk.
func pruneEdges(edges []oasis.ChunkEdge, minWeight float32, maxPerChunk int) []oasis.ChunkEdge {
	var filtered []oasis.ChunkEdge
	for _, e := range edges {
		if e.Weight >= minWeight {
			filtered = append(filtered, e)
		}
	}

	if maxPerChunk <= 0 {
		return filtered
	}

	bySource := make(map[string][]oasis.ChunkEdge)
	for _, e := range filtered {
		bySource[e.SourceID] = append(bySource[e.SourceID], e)
	}

	var result []oasis.ChunkEdge
	for _, group := range bySource {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Weight > group[j].Weight
		})
		if len(group) > maxPerChunk {
			group = group[:maxPerChunk]
		}
		result = append(result, group...)
	}
	return result
}
