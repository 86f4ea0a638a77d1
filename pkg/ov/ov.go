// Package ov holds the request and view objects of the HTTP surface.
package ov

import (
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ZekeHyperByte/photobooth-photonic-sub001/pkg/utils/ps"
)

type CaptureRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Sequence  int    `json:"sequence"`
}

type CaptureView struct {
	SessionID string `json:"sessionId"`
	Sequence  int    `json:"sequence"`
	Path      string `json:"path"`

	Model        string `json:"model"`
	ISO          string `json:"iso"`
	ShutterSpeed string `json:"shutterSpeed"`
	Aperture     string `json:"aperture"`
	FocalLength  string `json:"focalLength"`
	Timestamp    string `json:"timestamp"`
}

type UpdateConfig struct {
	ID    string `json:"id" binding:"required"`
	Value string `json:"value" binding:"required"`
}

type System struct {
	CPU    ps.CPU    `json:"cpu"`
	Memory ps.Memory `json:"memory"`

	DiskUsed    string  `json:"diskUsed"`
	DiskTotal   string  `json:"diskTotal"`
	DiskPercent float64 `json:"diskPercent"`
	PhotosSize  string  `json:"photosSize"`

	Time      time.Time     `json:"time"`
	NTPSynced bool          `json:"ntpSynced"`
	NTPOffset time.Duration `json:"ntpOffset"`
}

// NewSystem collects the machine-level half of the health view. Collection
// failures leave the affected fields zeroed rather than failing the view.
func NewSystem(photosDir string) System {
	var s System
	if c, err := ps.CPUStatus(); err == nil {
		s.CPU = c
	}
	if m, err := ps.MemoryStatus(); err == nil {
		s.Memory = m
	}
	if used, total, percent, err := ps.DiskUsage("/"); err == nil {
		s.DiskUsed = humanize.IBytes(used)
		s.DiskTotal = humanize.IBytes(total)
		s.DiskPercent = percent
	}
	if photosDir != "" {
		if size, err := ps.DirDiskUsage(photosDir); err == nil {
			s.PhotosSize = humanize.IBytes(uint64(size))
		}
	}

	return s
}
