package treesync

import (
	"errors"
	"fmt"
)

// Code classifies an error independently of the backend that produced it.
type Code int

const (
	CodeUnexpected Code = iota
	CodeNotFound
	CodeNotAFile
	CodeNotAFolder
	CodeInvalidPath
	CodeInvalidEncoding
	CodeEntryAlreadyExists
	CodeParentFolderDoesntExist
	CodeDestDirectoryNotEmpty
	CodeArchiveNotWritable
	CodeNotAvailable
	CodeNotSupported
	CodeAuthInvalidated
)

var (
	ErrUnexpected              = errors.New("treesync: unexpected error")
	ErrNotFound                = errors.New("treesync: not found")
	ErrNotAFile                = errors.New("treesync: not a file")
	ErrNotAFolder              = errors.New("treesync: not a folder")
	ErrInvalidPath             = errors.New("treesync: invalid path")
	ErrInvalidEncoding         = errors.New("treesync: invalid encoding")
	ErrEntryAlreadyExists      = errors.New("treesync: entry already exists")
	ErrParentFolderDoesntExist = errors.New("treesync: parent folder does not exist")
	ErrDestDirectoryNotEmpty   = errors.New("treesync: destination directory is not empty")
	ErrArchiveNotWritable      = errors.New("treesync: archive is not writable")
	ErrNotAvailable            = errors.New("treesync: content not available locally")
	ErrNotSupported            = errors.New("treesync: operation not supported by store")
	ErrAuthInvalidated         = errors.New("treesync: authentication invalidated")
)

var codeSentinels = map[Code]error{
	CodeUnexpected:              ErrUnexpected,
	CodeNotFound:                ErrNotFound,
	CodeNotAFile:                ErrNotAFile,
	CodeNotAFolder:              ErrNotAFolder,
	CodeInvalidPath:             ErrInvalidPath,
	CodeInvalidEncoding:         ErrInvalidEncoding,
	CodeEntryAlreadyExists:      ErrEntryAlreadyExists,
	CodeParentFolderDoesntExist: ErrParentFolderDoesntExist,
	CodeDestDirectoryNotEmpty:   ErrDestDirectoryNotEmpty,
	CodeArchiveNotWritable:      ErrArchiveNotWritable,
	CodeNotAvailable:            ErrNotAvailable,
	CodeNotSupported:            ErrNotSupported,
	CodeAuthInvalidated:         ErrAuthInvalidated,
}

func (c Code) String() string {
	switch c {
	case CodeNotFound:
		return "NotFound"
	case CodeNotAFile:
		return "NotAFile"
	case CodeNotAFolder:
		return "NotAFolder"
	case CodeInvalidPath:
		return "InvalidPath"
	case CodeInvalidEncoding:
		return "InvalidEncoding"
	case CodeEntryAlreadyExists:
		return "EntryAlreadyExists"
	case CodeParentFolderDoesntExist:
		return "ParentFolderDoesntExist"
	case CodeDestDirectoryNotEmpty:
		return "DestDirectoryNotEmpty"
	case CodeArchiveNotWritable:
		return "ArchiveNotWritable"
	case CodeNotAvailable:
		return "NotAvailable"
	case CodeNotSupported:
		return "NotSupported"
	case CodeAuthInvalidated:
		return "AuthInvalidated"
	default:
		return "Unexpected"
	}
}

// Error is the single error shape returned by stores and engines.
// errors.Is matches both the code sentinel (ErrNotFound, ...) and the cause.
type Error struct {
	Code Code
	Op   string
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = codeSentinels[e.Code].Error()
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
	} else if e.Op != "" {
		msg = fmt.Sprintf("%s: %s", e.Op, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := []error{codeSentinels[e.Code]}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewError builds an *Error for the given code wrapping cause (which may be nil).
func NewError(code Code, op, path string, cause error) *Error {
	return &Error{Code: code, Op: op, Path: path, Err: cause}
}

// Errorf builds an *Error with a formatted message.
func Errorf(code Code, op, path, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf reports the code carried by err. Errors that were never translated
// report CodeUnexpected.
func CodeOf(err error) Code {
	if err == nil {
		return CodeUnexpected
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeUnexpected
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
