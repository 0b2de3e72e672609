package rootcause

// Relation tags an edge between two correlation members.
type Relation string

const (
	DirectCause   Relation = "direct-cause"
	IndirectCause Relation = "indirect-cause"
	Amplifies     Relation = "amplifies"
	Correlates    Relation = "correlates"
)

// Causal reports whether r counts against a node being the root.
func (r Relation) Causal() bool { return r == DirectCause || r == IndirectCause }

type edge struct {
	to  int
	rel Relation
}

// Graph is an arena of n member nodes addressed by index with adjacency
// lists. Nodes hold no pointers to each other, so malformed dependency data
// can create cycles without creating reference cycles; traversals are
// iterative with visited sets.
type Graph struct {
	out      [][]edge
	causalIn []int
}

// NewGraph allocates a graph with n isolated nodes.
func NewGraph(n int) *Graph {
	return &Graph{out: make([][]edge, n), causalIn: make([]int, n)}
}

// Len is the number of nodes.
func (g *Graph) Len() int { return len(g.out) }

// AddEdge records from → to.
func (g *Graph) AddEdge(from, to int, rel Relation) {
	g.out[from] = append(g.out[from], edge{to: to, rel: rel})
	if rel.Causal() {
		g.causalIn[to]++
	}
}

// Out returns the successors of a node with their relations.
func (g *Graph) Out(i int) ([]int, []Relation) {
	to := make([]int, len(g.out[i]))
	rels := make([]Relation, len(g.out[i]))
	for k, e := range g.out[i] {
		to[k], rels[k] = e.to, e.rel
	}
	return to, rels
}

// CausalIn is the number of incoming causal edges of a node.
func (g *Graph) CausalIn(i int) int { return g.causalIn[i] }

// LargestComponent is the size of the largest weakly connected component.
func (g *Graph) LargestComponent() int {
	n := g.Len()
	undirected := make([][]int, n)
	for from, edges := range g.out {
		for _, e := range edges {
			undirected[from] = append(undirected[from], e.to)
			undirected[e.to] = append(undirected[e.to], from)
		}
	}

	seen := make([]bool, n)
	best := 0
	stack := make([]int, 0, n)
	for start := 0; start < n; start++ {
		if seen[start] {
			continue
		}
		seen[start] = true
		stack = append(stack[:0], start)
		size := 0
		for len(stack) > 0 {
			v := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			size++
			for _, w := range undirected[v] {
				if !seen[w] {
					seen[w] = true
					stack = append(stack, w)
				}
			}
		}
		best = max(best, size)
	}
	return best
}

// step is one traversed edge.
type step struct {
	from, to int
	rel      Relation
}

// walk is a depth-first traversal from root over outgoing edges, visiting
// each node once. It returns the tree edges in visit order.
func (g *Graph) walk(root int) []step {
	visited := make([]bool, g.Len())
	visited[root] = true
	var out []step
	type frame struct{ node, next int }
	stack := []frame{{node: root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next >= len(g.out[top.node]) {
			stack = stack[:len(stack)-1]
			continue
		}
		e := g.out[top.node][top.next]
		top.next++
		if visited[e.to] {
			continue
		}
		visited[e.to] = true
		out = append(out, step{from: top.node, to: e.to, rel: e.rel})
		stack = append(stack, frame{node: e.to})
	}
	return out
}
