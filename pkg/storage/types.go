package storage

const (
	DefaultIndexFile = "captures.json"

	DefaultImageExt = ".jpg"

	DefaultFilePerm = 0660
	DefaultDirPerm  = 0750
)
