package model

import (
	"path/filepath"
	"strings"
)

type FileType string

const (
	FileTypePDF  FileType = "pdf"
	FileTypeDOCX FileType = "docx"
	FileTypeDOC  FileType = "doc"
	FileTypeTXT  FileType = "txt"
)

var fileTypeDescriptions = map[FileType]string{
	FileTypePDF:  "PDF document",
	FileTypeDOCX: "Word document",
	FileTypeDOC:  "Word document (legacy)",
	FileTypeTXT:  "Text file",
}

// DetectFileType returns the file type for fileName by its extension
func DetectFileType(fileName string) (FileType, bool) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	ft := FileType(ext)
	if _, ok := fileTypeDescriptions[ft]; !ok {
		return "", false
	}
	return ft, true
}

// Description returns a human readable name of the file type
func (x FileType) Description() string {
	if d, ok := fileTypeDescriptions[x]; ok {
		return d
	}
	return "unknown"
}
