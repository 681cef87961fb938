package dbms

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/semaphore"

	"github.com/uengine-oss/graphpipe/pkg/astnode"
)

const contextSystemPrompt = `You summarise the essential behavioural context of a parent SQL statement so that descendant statements can resolve aliases, loop variables, and control flow without re-reading the whole procedure. Respond with a short paragraph, no markdown.`

// GenerateParentContexts runs Phase 1½: every parent node's ancestor
// context is resolved top-down, shallowest depth first, with the same
// depth level processed concurrently under a worker semaphore. A
// failure here is fatal — an incomplete ancestor context produces
// silently wrong alias resolution downstream, so this phase does not
// tolerate partial failure the way Phase 2 batch failures do.
func (p *Processor) GenerateParentContexts(ctx context.Context) error {
	if len(p.nodes) == 0 {
		return nil
	}

	var parents []*astnode.StatementNode
	for _, n := range p.nodes {
		if n.NeedsContextGeneration(excludedContextTypes) {
			parents = append(parents, n)
		}
	}

	if len(parents) == 0 {
		for _, n := range p.nodes {
			n.FireContextReady()
		}
		return nil
	}

	sort.SliceStable(parents, func(i, j int) bool {
		return parents[i].Depth() < parents[j].Depth()
	})

	levels := groupByDepth(parents)

	for _, level := range levels {
		if err := p.processContextLevel(ctx, level); err != nil {
			return err
		}
	}

	for _, n := range p.nodes {
		n.FireContextReady()
	}
	return nil
}

func groupByDepth(nodes []*astnode.StatementNode) [][]*astnode.StatementNode {
	var levels [][]*astnode.StatementNode
	currentDepth := -1
	var current []*astnode.StatementNode
	for _, n := range nodes {
		d := n.Depth()
		if d != currentDepth {
			if len(current) > 0 {
				levels = append(levels, current)
			}
			currentDepth = d
			current = nil
		}
		current = append(current, n)
	}
	if len(current) > 0 {
		levels = append(levels, current)
	}
	return levels
}

func (p *Processor) processContextLevel(ctx context.Context, level []*astnode.StatementNode) error {
	workers := p.MaxWorkers
	if workers > len(level) {
		workers = len(level)
	}
	sem := semaphore.NewWeighted(int64(workers))

	errCh := make(chan error, len(level))

	for _, node := range level {
		node := node
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		go func() {
			defer sem.Release(1)
			defer node.FireContextReady()

			if node.Parent != nil && node.Parent.NeedsContextGeneration(excludedContextTypes) {
				node.Parent.WaitContextReady()
			}

			skeleton := node.GetSkeletonCode()
			ancestorCtx := node.GetAncestorContext(astnode.MaxContextToken)

			generated, err := p.extractParentContext(ctx, skeleton, ancestorCtx)
			if err != nil {
				errCh <- fmt.Errorf("context generation failed for %s[%d]: %w", node.NodeType, node.StartLine, err)
				return
			}
			node.Context = generated
			errCh <- nil
		}()
	}

	if err := sem.Acquire(ctx, int64(workers)); err != nil {
		return err
	}
	sem.Release(int64(workers))

	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) extractParentContext(ctx context.Context, skeleton, ancestorCtx string) (string, error) {
	user := fmt.Sprintf("%s\n\n[SKELETON]\n%s\n[/SKELETON]", ancestorCtx, skeleton)
	return p.llm.Chat(ctx, contextSystemPrompt+p.localeInstruction(), user)
}
