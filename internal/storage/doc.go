// Package storage manages the libvirt storage pool kiln keeps its images
// and instance disks in.
//
// Two kinds of volume live in a pool:
//   - mirrored images, named by their encoded (product, version)
//     identifier (see internal/naming)
//   - instance disks: a copy-on-write root disk backed by an image, a
//     cloud-init datasource disk and any number of blank ephemeral disks
//
// Volumes are addressed by name within a pool, or by key. For file-backed
// pools the key is the volume's path, which is also what a domain's disk
// source refers to, so a domain description can be mapped back to the
// volumes it owns with StorageVolLookupByKey.
//
// Example usage:
//
//	client, err := libvirt.Connect("", 0)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	mgr := storage.NewManager(client.Libvirt(), log)
//	if err := mgr.EnsurePool(ctx, storage.DefaultPool, storage.PoolTypeDir, storage.DefaultPoolPath); err != nil {
//	    return err
//	}
//
//	root, err := mgr.CreateVolume(ctx, storage.DefaultPool, storage.VolumeSpec{
//	    Name:          "web.qcow",
//	    Format:        storage.VolumeFormatQCOW2,
//	    Capacity:      8 << 30,
//	    BackingPath:   imagePath,
//	    BackingFormat: storage.VolumeFormatQCOW2,
//	})
package storage
