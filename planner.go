package keel

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Planner owns system registration and turns declared ordering and access
// sets into a deterministic per-group execution order.
//
// Describe is called once at registration and the descriptor is cached;
// systems must not change their answer afterwards.
type Planner struct {
	mu      sync.Mutex
	world   *World
	logger  *zap.Logger
	systems []*systemEntry
	byName  map[string]*systemEntry
	dirty   bool
	plan    *Plan
}

type systemEntry struct {
	sys  System
	desc SystemDesc
	seq  int
}

// Plan is a frozen execution order, one slice per group.
type Plan struct {
	groups [groupCount][]*systemEntry
}

// ordered returns every entry in group order then plan order.
func (p *Plan) orderedEntries() []*systemEntry {
	var out []*systemEntry
	for g := 0; g < groupCount; g++ {
		out = append(out, p.groups[g]...)
	}
	return out
}

func NewPlanner(w *World) *Planner {
	return &Planner{
		world:  w,
		logger: w.Logger(),
		byName: make(map[string]*systemEntry),
		dirty:  true,
	}
}

// Register adds a system. Names are global across groups; access sets must
// name registered components.
func (p *Planner) Register(sys System) error {
	desc := sys.Describe()
	if desc.Name == "" {
		return fmt.Errorf("keel: system requires a name")
	}
	if int(desc.Group) >= groupCount {
		return fmt.Errorf("keel: system %s names unknown group %d", desc.Name, desc.Group)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byName[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateSystem, desc.Name)
	}
	for _, id := range desc.Reads {
		if int(id) >= len(p.world.slots) {
			return fmt.Errorf("%w: id %d read by system %s", ErrUnknownComponent, id, desc.Name)
		}
	}
	for _, id := range desc.Writes {
		if int(id) >= len(p.world.slots) {
			return fmt.Errorf("%w: id %d written by system %s", ErrUnknownComponent, id, desc.Name)
		}
	}
	entry := &systemEntry{sys: sys, desc: desc, seq: len(p.systems)}
	p.systems = append(p.systems, entry)
	p.byName[desc.Name] = entry
	p.dirty = true
	return nil
}

// Plan computes the execution order, reusing the previous result while no
// new systems arrived. Conflicting or cyclic declarations fail here, not
// at frame time.
func (p *Planner) Plan() (*Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dirty && p.plan != nil {
		return p.plan, nil
	}
	plan := &Plan{}
	for g := Group(0); g < groupCount; g++ {
		ordered, err := p.orderGroup(g)
		if err != nil {
			return nil, err
		}
		plan.groups[g] = ordered
	}
	p.plan = plan
	p.dirty = false
	return plan, nil
}

func (p *Planner) orderGroup(g Group) ([]*systemEntry, error) {
	var members []*systemEntry
	for _, entry := range p.systems {
		if entry.desc.Group == g {
			members = append(members, entry)
		}
	}
	if len(members) == 0 {
		return nil, nil
	}

	inGroup := make(map[string]*systemEntry, len(members))
	for _, m := range members {
		inGroup[m.desc.Name] = m
	}

	// succ[a] holds the systems that must run after a.
	succ := make(map[string][]string)
	indegree := make(map[string]int, len(members))
	edgeSeen := make(map[[2]string]struct{})
	for _, m := range members {
		indegree[m.desc.Name] = 0
	}
	addEdge := func(from, to string) {
		key := [2]string{from, to}
		if _, dup := edgeSeen[key]; dup {
			return
		}
		edgeSeen[key] = struct{}{}
		succ[from] = append(succ[from], to)
		indegree[to]++
	}
	for _, m := range members {
		name := m.desc.Name
		for _, target := range m.desc.Before {
			if p.usableEdgeTarget(name, target, g, inGroup) {
				addEdge(name, target)
			}
		}
		for _, target := range m.desc.After {
			if p.usableEdgeTarget(name, target, g, inGroup) {
				addEdge(target, name)
			}
		}
	}

	if err := p.checkConflicts(g, members, edgeSeen); err != nil {
		return nil, err
	}

	// Kahn's algorithm with a lexically sorted ready set so the order is
	// stable across registration shuffles.
	ready := make([]string, 0, len(members))
	for _, m := range members {
		if indegree[m.desc.Name] == 0 {
			ready = append(ready, m.desc.Name)
		}
	}
	sort.Strings(ready)
	ordered := make([]*systemEntry, 0, len(members))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, inGroup[name])
		for _, next := range succ[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Strings(ready)
	}
	if len(ordered) != len(members) {
		var remaining []string
		for _, m := range members {
			if indegree[m.desc.Name] > 0 {
				remaining = append(remaining, m.desc.Name)
			}
		}
		sort.Strings(remaining)
		return nil, fmt.Errorf("%w: group %s involves %v", ErrPlannerCycle, g, remaining)
	}
	return ordered, nil
}

// usableEdgeTarget vets one Before or After reference. Unknown and
// cross-group targets are dropped with a warning rather than failing the
// plan.
func (p *Planner) usableEdgeTarget(from, target string, g Group, inGroup map[string]*systemEntry) bool {
	if _, ok := inGroup[target]; ok {
		return true
	}
	if other, registered := p.byName[target]; registered {
		p.logger.Warn("ordering constraint crosses groups, ignored",
			zap.String("system", from),
			zap.String("target", target),
			zap.Stringer("group", g),
			zap.Stringer("target_group", other.desc.Group),
		)
		return false
	}
	p.logger.Warn("ordering constraint names unknown system, ignored",
		zap.String("system", from),
		zap.String("target", target),
		zap.Stringer("group", g),
	)
	return false
}

// checkConflicts rejects overlapping access inside one group unless the
// two systems are directly ordered against each other.
func (p *Planner) checkConflicts(g Group, members []*systemEntry, edges map[[2]string]struct{}) error {
	directlyOrdered := func(a, b string) bool {
		if _, ok := edges[[2]string{a, b}]; ok {
			return true
		}
		_, ok := edges[[2]string{b, a}]
		return ok
	}
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			a, b := members[i], members[j]
			comp, clash := accessClash(a.desc, b.desc)
			if !clash {
				continue
			}
			if directlyOrdered(a.desc.Name, b.desc.Name) {
				continue
			}
			return fmt.Errorf("%w: %s and %s both touch %s in group %s without ordering",
				ErrPlannerConflict, a.desc.Name, b.desc.Name, p.world.NameOf(comp), g)
		}
	}
	return nil
}

// accessClash reports the first component two descriptors fight over,
// write against write or write against read in either direction.
func accessClash(a, b SystemDesc) (ComponentID, bool) {
	bWrites := make(map[ComponentID]struct{}, len(b.Writes))
	for _, id := range b.Writes {
		bWrites[id] = struct{}{}
	}
	bReads := make(map[ComponentID]struct{}, len(b.Reads))
	for _, id := range b.Reads {
		bReads[id] = struct{}{}
	}
	for _, id := range a.Writes {
		if _, ok := bWrites[id]; ok {
			return id, true
		}
		if _, ok := bReads[id]; ok {
			return id, true
		}
	}
	for _, id := range a.Reads {
		if _, ok := bWrites[id]; ok {
			return id, true
		}
	}
	return 0, false
}

// Systems returns descriptors in registration order, mainly for tooling
// and tests.
func (p *Planner) Systems() []SystemDesc {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SystemDesc, 0, len(p.systems))
	for _, entry := range p.systems {
		out = append(out, entry.desc)
	}
	return out
}
