package store

import "fmt"

// keys implements the layout from spec §3 under a tenant prefix and queue
// name: P:queue:Q:{waiting,delayed,active,notify}, P:jobs:<id>,
// P:delayed:timer:<id>.
type keys struct {
	prefix string
	queue  string
}

func newKeys(prefix, queue string) keys {
	return keys{prefix: prefix, queue: queue}
}

func (k keys) waiting() string { return fmt.Sprintf("%s:queue:%s:waiting", k.prefix, k.queue) }
func (k keys) delayed() string { return fmt.Sprintf("%s:queue:%s:delayed", k.prefix, k.queue) }
func (k keys) active() string  { return fmt.Sprintf("%s:queue:%s:active", k.prefix, k.queue) }
func (k keys) notify() string  { return fmt.Sprintf("%s:queue:%s:notify", k.prefix, k.queue) }

func (k keys) job(id string) string { return fmt.Sprintf("%s:jobs:%s", k.prefix, id) }

func (k keys) jobPrefix() string { return fmt.Sprintf("%s:jobs:", k.prefix) }

func (k keys) delayTimer(id string) string {
	return fmt.Sprintf("%s:delayed:timer:%s", k.prefix, id)
}
