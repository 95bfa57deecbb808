// Command lockbench exercises a Stack and a Hamt concurrently and
// prints their counters on exit. It is ordinary library-usage
// ergonomics, not a stress-test harness: no fuzzing, no multi-process
// coordination, no property checking, just a small runnable example
// shipped alongside the library packages.
package main

import (
	"fmt"
	"sync"

	"lockfree/config"
	"lockfree/hamt"
	"lockfree/logger"
	"lockfree/smr"
	"lockfree/stack"
)

func main() {
	logger.Configure()
	cfg := config.Load()
	domain := smr.Init(cfg)

	s := stack.New[int](stack.WithDomain[int](domain), stack.WithEliminationSlots[int](cfg.EliminationSlots))
	m := hamt.New[int, string](hamt.WithDomain[int](domain))

	const goroutines = 8
	const perGoroutine = 50000

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				v := base*perGoroutine + i
				s.Push(v)
				s.Pop()
				m.Insert(v, fmt.Sprintf("v%d", v))
				m.Lookup(v)
				if i%3 == 0 {
					m.Remove(v)
				}
			}
		}(g)
	}
	wg.Wait()

	domain.ForceReclaim()

	stat := s.Stats()
	fmt.Printf("stack: pushes=%d pops=%d races=%d active_elim=%d passive_elim=%d is_empty=%v\n",
		stat.Pushes, stat.Pops, stat.Races, stat.ActiveEliminations, stat.PassiveEliminations, s.IsEmpty())

	hits := 0
	for g := 0; g < goroutines; g++ {
		for i := 0; i < perGoroutine; i++ {
			v := g*perGoroutine + i
			if _, ok := m.Lookup(v); ok {
				hits++
			}
		}
	}
	fmt.Printf("hamt: surviving keys=%d\n", hits)
}
