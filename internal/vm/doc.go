// Package vm provisions and tears down kiln instances.
//
// An instance is a libvirt domain plus the volumes it owns: a copy-on-write
// root disk over a mirrored base image, a cloud-init datasource disk and any
// number of blank ephemeral disks. The domain descriptor is the only record
// of which volumes belong to an instance; Destroy reads it back to find
// them.
//
// Create is all or nothing with respect to volumes: every volume it creates
// is remembered, and if a later step fails the remembered volumes are
// deleted before the original error is returned.
package vm
