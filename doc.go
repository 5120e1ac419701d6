/*
Package modmirror is a tool for archiving the releases of the Factorio mod portal.

modmirror keeps an incremental archive with features including:
  - A JSON ledger of archived releases, checkpointed after every mod
  - A fast path that skips mods whose latest release is already archived
  - sha1 verification through a checksum sidecar next to each archive
  - Optional offsite moves with rclone, tracked per release
  - Catalog snapshots kept for inspection when a run aborts

The main packages are:

	github.com/mirrorctl/modmirror/internal/registry - mod portal wire format and on-disk formats
	github.com/mirrorctl/modmirror/internal/mirror   - ledger, catalog, reconciliation and archiving
	github.com/mirrorctl/modmirror/cmd/modmirror     - Command-line interface
*/
package modmirror
