package storebox

// Watch subscribes to a typed projection of the store.
//
// It is a typed wrapper around [Store.Subscribe]: sel runs after every
// transition and cb receives its result when it changed under [Shallow].
//
// Example:
//
//	sub := storebox.Watch(cart, func(s storebox.State) int {
//	    n, _ := s["items"].(int)
//	    return n
//	}, func(items int) {
//	    fmt.Println("items:", items)
//	})
//	defer sub.Unsubscribe()
func Watch[T any](s *Store, sel func(State) T, cb func(T)) *Subscription {
	return s.Subscribe(
		func(st State) any { return sel(st) },
		func(v any) {
			t, _ := v.(T)
			cb(t)
		},
	)
}
