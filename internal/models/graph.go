package models

// HasCycle detects circular dependencies among tasks using DFS with color
// marking. The store performs no cycle check at insert time, so a cycle
// stalls a plan rather than erroring; this helper lets the orchestrator
// diagnose a stalled plan after the runnable loop stops making progress.
func HasCycle(tasks []Task) bool {
	graph := make(map[string][]string)
	known := make(map[string]bool)

	for _, t := range tasks {
		known[t.ID] = true
		graph[t.ID] = nil
	}

	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return true
			}
			// Edges only between tasks in this set.
			if known[dep] {
				graph[dep] = append(graph[dep], t.ID)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(known))

	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		for _, next := range graph[node] {
			if colors[next] == gray {
				return true
			}
			if colors[next] == white && dfs(next) {
				return true
			}
		}
		colors[node] = black
		return false
	}

	for id := range known {
		if colors[id] == white && dfs(id) {
			return true
		}
	}
	return false
}
