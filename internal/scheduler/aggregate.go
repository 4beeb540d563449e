package scheduler

import (
	"fmt"
	"strings"

	"github.com/agentdeck/agentdeck/pkg/claudecode"
)

const (
	singleFollowUpPrefix = "[Note: While you were working, the user added a follow-up message:]\n\n"
	multiFollowUpHeader  = "[Note: While you were working, the user added %d follow-up messages.%s]"
	attachmentClarify    = " Attachment references in each follow-up refer only to that follow-up's attachments."
)

// aggregateQueued folds queued jobs (already sorted createdAt ascending) into
// one user input. Attachment numbers are allocated globally in document
// order; per-block attachment lines appear only when any job in the batch
// carries attachments.
func aggregateQueued(jobs []Job) claudecode.UserInput {
	var images, documents []claudecode.Attachment
	for _, j := range jobs {
		images = append(images, j.Message.Images...)
		documents = append(documents, j.Message.Documents...)
	}

	if len(jobs) == 1 {
		return claudecode.UserInput{
			Text:      singleFollowUpPrefix + jobs[0].Message.Content,
			Images:    images,
			Documents: documents,
		}
	}

	withAttachments := 0
	for _, j := range jobs {
		if j.attachmentCount() > 0 {
			withAttachments++
		}
	}

	clarification := ""
	if withAttachments >= 2 {
		clarification = attachmentClarify
	}
	header := fmt.Sprintf(multiFollowUpHeader, len(jobs), clarification)

	next := 1
	blocks := make([]string, 0, len(jobs))
	for k, j := range jobs {
		var b strings.Builder
		fmt.Fprintf(&b, "--- Follow-up message %d ---\n", k+1)
		if withAttachments > 0 {
			if j.attachmentCount() == 0 {
				b.WriteString("No attachments included.\n\n")
			} else {
				refs := make([]string, 0, j.attachmentCount())
				for _, a := range j.Message.Images {
					refs = append(refs, fmt.Sprintf("#%d (%s)", next, a.MediaType))
					next++
				}
				for _, a := range j.Message.Documents {
					refs = append(refs, fmt.Sprintf("#%d (%s)", next, a.MediaType))
					next++
				}
				b.WriteString("Attachments included: " + strings.Join(refs, ", ") + "\n\n")
			}
		}
		b.WriteString(j.Message.Content)
		blocks = append(blocks, b.String())
	}

	return claudecode.UserInput{
		Text:      header + "\n\n" + strings.Join(blocks, "\n\n"),
		Images:    images,
		Documents: documents,
	}
}
