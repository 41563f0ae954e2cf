package modhost

// ResolveOrder computes a boot order in which every module comes after all
// of its dependencies.
//
// Declared dependencies that are not part of descs fail the resolution
// before any ordering happens. Ordering uses Kahn's algorithm over the
// "dependent -> dependency" graph: the queue starts with the modules nothing
// depends on, and each processed module releases its own dependencies. The
// processed sequence lists dependents first, so it is reversed into boot
// order. Modules left unprocessed are reduced to the members of the cycles
// they contain and reported in a dependency error.
//
// Modules that become ready at the same time are taken in input order; callers
// must not rely on the relative order of modules that do not depend on each
// other.
func ResolveOrder(descs []*Descriptor) ([]string, error) {
	slugs := make([]string, 0, len(descs))
	deps := make(map[string][]string, len(descs))
	for _, d := range descs {
		if _, dup := deps[d.Slug]; dup {
			return nil, NewValidationError(d.Slug, []FieldViolation{{Field: "name", Message: "declared by more than one module"}})
		}
		slugs = append(slugs, d.Slug)
		deps[d.Slug] = uniqueStrings(d.DependsOn())
	}

	var missing []MissingDependency
	for _, slug := range slugs {
		for _, dep := range deps[slug] {
			if _, ok := deps[dep]; !ok {
				missing = append(missing, MissingDependency{Dependent: slug, Dependency: dep})
			}
		}
	}
	if len(missing) > 0 {
		return nil, NewMissingDependencyError(missing)
	}

	// inDegree counts the modules that depend on each node.
	inDegree := make(map[string]int, len(slugs))
	for _, slug := range slugs {
		inDegree[slug] += 0
		for _, dep := range deps[slug] {
			inDegree[dep]++
		}
	}

	queue := make([]string, 0, len(slugs))
	for _, slug := range slugs {
		if inDegree[slug] == 0 {
			queue = append(queue, slug)
		}
	}

	processed := make([]string, 0, len(slugs))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		processed = append(processed, current)
		for _, dep := range deps[current] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(processed) < len(slugs) {
		done := make(map[string]bool, len(processed))
		for _, slug := range processed {
			done[slug] = true
		}
		var remainder []string
		for _, slug := range slugs {
			if !done[slug] {
				remainder = append(remainder, slug)
			}
		}
		return nil, NewCycleError(cycleMembers(remainder, deps))
	}

	order := make([]string, len(processed))
	for i, slug := range processed {
		order[len(processed)-1-i] = slug
	}
	return order, nil
}

// cycleMembers returns the nodes of nodes that sit on a cycle: members of a
// strongly connected component with more than one node, or nodes depending
// on themselves. Modules that are merely reachable from a cycle are left
// out.
func cycleMembers(nodes []string, deps map[string][]string) []string {
	in := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		in[n] = true
	}

	var (
		index   int
		stack   []string
		onStack = make(map[string]bool)
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		members []string
	)

	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		selfLoop := false
		for _, w := range deps[v] {
			if !in[w] {
				continue
			}
			if w == v {
				selfLoop = true
			}
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var component []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			if len(component) > 1 || selfLoop {
				members = append(members, component...)
			}
		}
	}

	for _, n := range nodes {
		if _, seen := indices[n]; !seen {
			strongConnect(n)
		}
	}
	return members
}

func uniqueStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
