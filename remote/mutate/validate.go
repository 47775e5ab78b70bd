package mutate

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gitrepublic/gitd/params"
	"github.com/gitrepublic/gitd/util"
	errors2 "github.com/gitrepublic/gitd/util/errors"
	"github.com/gitrepublic/gitd/util/identifier"
	v "github.com/go-ozzo/ozzo-validation"
)

// Options carries the common arguments of every mutation
type Options struct {
	OwnerNpub   string
	RepoName    string
	Branch      string
	AuthorName  string
	AuthorEmail string
	Message     string
}

func feE(field, msg string) error {
	return errors2.FieldError(field, msg)
}

// checkOptions validates the common mutation arguments
func checkOptions(opts *Options) error {
	if _, err := identifier.DecodeNpub(opts.OwnerNpub); err != nil {
		return feE("owner", err.Error())
	}
	if err := identifier.IsValidRepoName(opts.RepoName); err != nil {
		return feE("name", err.Error())
	}
	if err := identifier.IsValidBranchName(opts.Branch); err != nil {
		return feE("branch", err.Error())
	}
	if err := v.Validate(opts.AuthorName,
		v.Required.Error(feE("authorName", "author name is required").Error()),
		v.Length(1, 100).Error(feE("authorName", "author name is too long").Error()),
	); err != nil {
		return err
	}
	if err := identifier.IsValidEmail(opts.AuthorEmail); err != nil {
		return feE("authorEmail", err.Error())
	}
	if err := v.Validate(opts.Message,
		v.Required.Error(feE("message", "commit message is required").Error()),
	); err != nil {
		return err
	}
	if len(opts.Message) > params.MaxCommitMsgLen {
		return feE("message", fmt.Sprintf("commit message length cannot be greater than %d",
			params.MaxCommitMsgLen))
	}
	return nil
}

// checkFilePath validates a user-supplied repository-relative file path
func checkFilePath(path string) error {
	if path == "" {
		return feE("path", "path is required")
	}
	if len(path) > params.MaxFilePathLen {
		return feE("path", fmt.Sprintf("path length cannot be greater than %d",
			params.MaxFilePathLen))
	}
	if filepath.IsAbs(path) {
		return feE("path", "absolute paths are not allowed")
	}
	if strings.Contains(path, "..") {
		return feE("path", "relative path elements are not allowed")
	}
	if util.HasControlChars(path) || strings.ContainsRune(path, 0) {
		return feE("path", "control characters are not allowed")
	}
	return nil
}

// checkContent validates a file's content size
func checkContent(content []byte) error {
	if int64(len(content)) > params.MaxFileSize {
		return feE("content", fmt.Sprintf("file size cannot be greater than %s",
			humanize.IBytes(uint64(params.MaxFileSize))))
	}
	return nil
}
