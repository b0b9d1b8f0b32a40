// Package platform is the platform-management capability module: the
// require("platform-internal") surface, reachable only by apps in
// privilegedApps (spec §4.D privileged-only modules). It exposes the
// Lifecycle Manager's install/upgrade/rollback/delete/reload operations
// to the admin app through the Manager's typed-command Dispatch, rather
// than a second copy of the lifecycle logic.
package platform

import (
	"context"

	"boxhost/internal/lifecycle"
)

// Capability is the per-script platform-management handle, granted only
// to scripts running in a privileged app.
type Capability struct {
	mgr *lifecycle.Manager
}

func New(mgr *lifecycle.Manager) *Capability {
	return &Capability{mgr: mgr}
}

func (c *Capability) Install(ctx context.Context, appName string, packageBytes []byte, permissions []string) error {
	_, err := c.mgr.Dispatch(ctx, lifecycle.InstallCommand{AppName: appName, PackageBytes: packageBytes, Permissions: permissions})
	return err
}

func (c *Capability) Upgrade(ctx context.Context, appName string, packageBytes []byte, permissions []string, backup bool) error {
	_, err := c.mgr.Dispatch(ctx, lifecycle.UpgradeCommand{AppName: appName, PackageBytes: packageBytes, Permissions: permissions, Backup: backup})
	return err
}

func (c *Capability) Rollback(ctx context.Context, appName string, permissions []string) error {
	_, err := c.mgr.Dispatch(ctx, lifecycle.RollbackCommand{AppName: appName, Permissions: permissions})
	return err
}

func (c *Capability) Delete(ctx context.Context, appName string) error {
	_, err := c.mgr.Dispatch(ctx, lifecycle.DeleteCommand{AppName: appName})
	return err
}

func (c *Capability) Reload(ctx context.Context, appName string) error {
	_, err := c.mgr.Dispatch(ctx, lifecycle.ReloadCommand{AppName: appName})
	return err
}

func (c *Capability) SetPermissions(ctx context.Context, appName string, perms []string) error {
	_, err := c.mgr.Dispatch(ctx, lifecycle.SetPermissionsCommand{AppName: appName, Permissions: perms})
	return err
}
