package imap

import (
	"fmt"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/models"
)

// ListFolders lists the selectable folders on the IMAP server.
func ListFolders(c *client.Client) ([]models.Folder, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)

	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	folders := []models.Folder{}
	for m := range mailboxes {
		if selectable(m) {
			folders = append(folders, models.Folder{Name: m.Name})
		}
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	return folders, nil
}

func selectable(m *imap.MailboxInfo) bool {
	for _, attr := range m.Attributes {
		if attr == imap.NoSelectAttr {
			return false
		}
	}
	return true
}

// folderStatus asks for the counters the sync needs without selecting the folder.
func folderStatus(c *client.Client, folder string) (*MailboxStatus, error) {
	status, err := c.Status(folder, []imap.StatusItem{
		imap.StatusMessages,
		imap.StatusUnseen,
		imap.StatusUidValidity,
		imap.StatusUidNext,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get status of %s: %w", folder, err)
	}

	return &MailboxStatus{
		Exists:      status.Messages,
		Unseen:      status.Unseen,
		UIDValidity: status.UidValidity,
		UIDNext:     status.UidNext,
	}, nil
}
