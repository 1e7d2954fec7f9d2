package lock

// Key and channel names are derived from the user-supplied resource name plus
// a kind suffix, so independent primitives never collide and every process
// using the same name addresses the same resource.

func lockKey(name string) string     { return name + ":lock" }
func lockChannel(name string) string { return name + ":lock:channel" }
func queueKey(name string) string    { return name + ":lock:queue" }
func timeoutKey(name string) string  { return name + ":lock:queue:timeouts" }

func rwKey(name string) string     { return name + ":rwlock" }
func rwChannel(name string) string { return name + ":rwlock:channel" }

func semaphoreKey(name string) string     { return name + ":semaphore" }
func semaphoreChannel(name string) string { return name + ":semaphore:channel" }

func latchKey(name string) string     { return name + ":latch" }
func latchChannel(name string) string { return name + ":latch:channel" }
