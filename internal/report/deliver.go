package report

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"dealwatch/api/internal/blockpack"
	"dealwatch/api/internal/export"
	"dealwatch/api/internal/tmpl"
)

// FallbackText is the notification text shown for report messages.
const FallbackText = ":clap: Deals stuck for 1Mo+ report is ready ..."

// maxConcurrentRecipients bounds how many recipients are delivered to at once.
const maxConcurrentRecipients = 4

// Sender delivers direct messages and files to chat users.
type Sender interface {
	SendBlocks(ctx context.Context, userID string, msg blockpack.Message, fallback string) error
	UploadFile(ctx context.Context, userID string, file export.Result, title string) error
}

type DeliveryReport struct {
	Sent     int `json:"sent"`
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Deliver sends the plan's tasks and counts recipients whose lookup failed as skipped.
func (p Plan) Deliver(ctx context.Context, sender Sender) DeliveryReport {
	report := Deliver(ctx, sender, p.Tasks)
	report.Skipped = len(p.Unresolved())
	return report
}

// Deliver sends every task. Tasks of one recipient go out sequentially in
// order; distinct recipients proceed concurrently. Failures are logged and
// counted, never returned.
func Deliver(ctx context.Context, sender Sender, tasks []DeliveryTask) DeliveryReport {
	var (
		order []string
		byID  = map[string][]DeliveryTask{}
	)
	for _, task := range tasks {
		if _, ok := byID[task.RecipientID]; !ok {
			order = append(order, task.RecipientID)
		}
		byID[task.RecipientID] = append(byID[task.RecipientID], task)
	}

	var (
		mu     sync.Mutex
		report DeliveryReport
	)
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(maxConcurrentRecipients)
	for _, id := range order {
		queue := byID[id]
		g.Go(func() error {
			for _, task := range queue {
				if err := sender.SendBlocks(ctx, task.RecipientID, render(task), FallbackText); err != nil {
					log.Printf("deliver %s chunk to %s failed: %v", task.Audience, task.Email, err)
					count(&report.Failed)
				} else {
					count(&report.Sent)
				}
				if !task.IsLast {
					continue
				}
				for _, file := range task.Attachments {
					if err := sender.UploadFile(ctx, task.RecipientID, file.File, file.Title); err != nil {
						log.Printf("upload %s to %s failed: %v", file.File.Filename, task.Email, err)
						count(&report.Failed)
						continue
					}
					count(&report.Uploaded)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// render fills the chunk with the task parameters; without parameters the
// chunk is sent as is.
func render(task DeliveryTask) blockpack.Message {
	if task.Params == nil {
		return task.Chunk
	}
	blocks := make([]blockpack.Block, len(task.Chunk.Blocks))
	for i, block := range task.Chunk.Blocks {
		filled, _ := tmpl.Interpolate(block, task.Params).(map[string]any)
		blocks[i] = filled
	}
	return blockpack.Message{Blocks: blocks}
}
