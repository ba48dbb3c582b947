package upload

import (
	"io"
	"os"

	"github.com/gostones/fundupload/internal"
)

// FileDescriptor is the caller's file. Size and ContentType are read once
// when a task is created; Handle is read in place and never copied.
type FileDescriptor struct {
	Name        string
	Size        int64
	ContentType string
	Handle      io.ReaderAt
}

// OpenFile opens path and describes it, sniffing the content type from the
// first bytes. The caller closes the returned file when the upload is done.
func OpenFile(path string) (FileDescriptor, *os.File, error) {
	file, err := os.Open(path)
	if err != nil {
		return FileDescriptor{}, nil, err
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return FileDescriptor{}, nil, err
	}
	sniffed, err := internal.ContentType(io.NewSectionReader(file, 0, fi.Size()))
	if err != nil {
		file.Close()
		return FileDescriptor{}, nil, err
	}

	return FileDescriptor{
		Name:        fi.Name(),
		Size:        fi.Size(),
		ContentType: internal.ContentTypeByName(fi.Name(), sniffed),
		Handle:      file,
	}, file, nil
}
