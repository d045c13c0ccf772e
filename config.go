package daqkv

import (
	"strconv"

	"github.com/fogkv/daqkv/internal/config"
)

// LoadOptions reads the flat key=value configuration file at path and
// maps its recognized keys onto Options. Unrecognized keys are ignored;
// repeated sections (key fields, DHT neighbors) use indexed keys, e.g.
//
//	pmem.poolPath = /mnt/pmem0/daqkv.pool
//	pmem.totalSize = 2147483648
//	key.field.0.size = 16
//	key.field.0.isPrimary = true
//	dht.id = node-a
//	dht.port = 7777
//	dht.maskLength = 1
//	dht.maskOffset = 7
//	dht.start = 0
//	dht.end = 0
//	dht.neighbor.0.id = node-b
//	dht.neighbor.0.ip = 10.0.0.2
//	dht.neighbor.0.port = 7777
//	dht.neighbor.0.start = 1
//	dht.neighbor.0.end = 1
//	runtime.numOfPollers = 2
//	runtime.maxReadyKeys = 1024
//	mode = STORAGE
func LoadOptions(path string) (Options, error) {
	f, err := config.Load(path)
	if err != nil {
		return Options{}, err
	}
	return optionsFrom(f), nil
}

func optionsFrom(f *config.File) Options {
	var o Options

	if v, ok := f.String("pmem.poolPath"); ok {
		o.PmemPoolPath = v
	}
	if v, ok := f.Int64("pmem.totalSize"); ok {
		o.PmemTotalSize = v
	}
	if v, ok := f.Int("pmem.allocUnitSize"); ok {
		o.PmemAllocUnitSize = v
	}
	if v, ok := f.Bool("pmem.truncate"); ok {
		o.PmemTruncate = v
	}

	if v, ok := f.String("offload.nvmeAddr"); ok {
		o.OffloadPCIAddr = v
		o.OffloadEnabled = true
	}
	if v, ok := f.String("offload.nvmeName"); ok {
		o.OffloadDevicePath = v
	}
	if v, ok := f.Int("offload.allocUnitSize"); ok {
		o.OffloadAllocUnitSize = v
	}
	if v, ok := f.Int("offload.blockSize"); ok {
		o.OffloadBlockSize = v
	}

	if v, ok := f.Int("dht.port"); ok {
		o.DHTListenAddr = "0.0.0.0:" + strconv.Itoa(v)
	}
	if v, ok := f.String("dht.id"); ok {
		o.Local.ID = v
	}
	if v, ok := f.Int("dht.maskLength"); ok {
		o.Local.MaskLen = v
	}
	if v, ok := f.Int("dht.maskOffset"); ok {
		o.Local.MaskOff = v
	}
	if v, ok := f.Int64("dht.start"); ok {
		o.Local.Start = uint64(v)
	}
	if v, ok := f.Int64("dht.end"); ok {
		o.Local.End = uint64(v)
	}

	for i := 0; ; i++ {
		prefix := "key.field." + strconv.Itoa(i) + "."
		size, ok := f.Int(prefix + "size")
		if !ok {
			break
		}
		primary, _ := f.Bool(prefix + "isPrimary")
		o.KeyFields = append(o.KeyFields, KeyField{Size: size, Primary: primary})
	}

	for i := 0; ; i++ {
		prefix := "dht.neighbor." + strconv.Itoa(i) + "."
		ip, ok := f.String(prefix + "ip")
		if !ok {
			break
		}
		n := NeighborConfig{IP: ip}
		if v, ok := f.String(prefix + "id"); ok {
			n.ID = v
		}
		if v, ok := f.Int(prefix + "port"); ok {
			n.Port = v
		}
		if v, ok := f.Int64(prefix + "start"); ok {
			n.Start = uint64(v)
		}
		if v, ok := f.Int64(prefix + "end"); ok {
			n.End = uint64(v)
		}
		o.Neighbors = append(o.Neighbors, n)
	}

	if v, ok := f.Int("runtime.numOfPollers"); ok {
		o.NumPollers = v
	}
	if v, ok := f.Int("runtime.maxReadyKeys"); ok {
		o.MaxReadyKeys = v
	}

	if v, ok := f.String("mode"); ok && v == "SATELLITE" {
		o.Mode = ModeSatellite
	}

	return o
}
