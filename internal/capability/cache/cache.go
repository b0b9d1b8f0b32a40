// Package cache is the cache capability module: the require("cache")
// surface granted to scripts holding the "cache" permission (spec §4.D
// protected modules, §4.C two-tier cache). It is a thin pass-through to
// internal/cache's already app-namespaced facade — the permission gate
// lives in the loader, not here.
package cache

import svccache "boxhost/internal/cache"

// Capability is the per-script cache handle.
type Capability struct {
	facade *svccache.AppFacade
}

func New(facade *svccache.AppFacade) *Capability {
	return &Capability{facade: facade}
}

func (c *Capability) Get(key string, out any) (bool, error) { return c.facade.Get(key, out) }

func (c *Capability) Set(key string, value any, ttlSeconds int) error {
	return c.facade.Set(key, value, ttlSeconds)
}

func (c *Capability) Del(key string) error { return c.facade.Del(key) }

func (c *Capability) Clear() error { return c.facade.Clear() }
