package report

import (
	"context"
	"errors"
	"sync"
	"testing"

	"dealwatch/api/internal/blockpack"
	"dealwatch/api/internal/export"
)

type sentMessage struct {
	text     string
	fallback string
}

type fakeSender struct {
	SendFn   func(userID string, msg blockpack.Message) error
	UploadFn func(userID string, file export.Result) error

	mu      sync.Mutex
	sent    map[string][]sentMessage
	uploads map[string][]string
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: map[string][]sentMessage{}, uploads: map[string][]string{}}
}

func (f *fakeSender) SendBlocks(_ context.Context, userID string, msg blockpack.Message, fallback string) error {
	if f.SendFn != nil {
		if err := f.SendFn(userID, msg); err != nil {
			return err
		}
	}
	text, _ := msg.Blocks[0]["text"].(map[string]any)["text"].(string)
	f.mu.Lock()
	f.sent[userID] = append(f.sent[userID], sentMessage{text: text, fallback: fallback})
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) UploadFile(_ context.Context, userID string, file export.Result, title string) error {
	if f.UploadFn != nil {
		if err := f.UploadFn(userID, file); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.uploads[userID] = append(f.uploads[userID], file.Filename+"|"+title)
	f.mu.Unlock()
	return nil
}

func chunkTask(userID, text string, last bool, params map[string]any, files ...Attachment) DeliveryTask {
	return DeliveryTask{
		Audience:    Executives,
		RecipientID: userID,
		Email:       userID + "@example.com",
		Chunk:       blockpack.Message{Blocks: []blockpack.Block{textBlock(text)}},
		Params:      params,
		Attachments: files,
		IsLast:      last,
	}
}

func TestDeliverKeepsChunkOrderPerRecipient(t *testing.T) {
	sender := newFakeSender()
	params := map[string]any{"stuckDealsPercentage": 30}
	file := Attachment{File: export.Result{Filename: "report.xlsx"}, Title: "15-Oct-2026: Deals stuck for 1Mo+"}

	var tasks []DeliveryTask
	for _, user := range []string{"U1", "U2", "U3", "U4", "U5", "U6"} {
		tasks = append(tasks,
			chunkTask(user, "part one {{stuckDealsPercentage}}%", false, params),
			chunkTask(user, "part two", false, params),
			chunkTask(user, "part three", true, params, file),
		)
	}

	report := Deliver(context.Background(), sender, tasks)
	if report != (DeliveryReport{Sent: 18, Uploaded: 6}) {
		t.Fatalf("Deliver() = %+v", report)
	}
	for user, messages := range sender.sent {
		if len(messages) != 3 {
			t.Fatalf("%s received %d messages", user, len(messages))
		}
		if messages[0].text != "part one 30%" || messages[1].text != "part two" || messages[2].text != "part three" {
			t.Fatalf("%s received out of order: %+v", user, messages)
		}
		if messages[0].fallback != FallbackText {
			t.Fatalf("fallback = %q", messages[0].fallback)
		}
		if got := sender.uploads[user]; len(got) != 1 || got[0] != "report.xlsx|15-Oct-2026: Deals stuck for 1Mo+" {
			t.Fatalf("%s uploads = %v", user, got)
		}
	}
}

func TestDeliverSkipsInterpolationWithoutParams(t *testing.T) {
	sender := newFakeSender()
	Deliver(context.Background(), sender, []DeliveryTask{chunkTask("U1", "raw {{stuckDeals}}", true, nil)})
	if got := sender.sent["U1"][0].text; got != "raw {{stuckDeals}}" {
		t.Fatalf("text = %q", got)
	}
}

func TestDeliverCountsFailuresAndContinues(t *testing.T) {
	sender := newFakeSender()
	sender.SendFn = func(userID string, _ blockpack.Message) error {
		if userID == "U1" {
			return errors.New("channel_not_found")
		}
		return nil
	}
	sender.UploadFn = func(userID string, _ export.Result) error {
		if userID == "U2" {
			return errors.New("upload failed")
		}
		return nil
	}
	file := Attachment{File: export.Result{Filename: "report.xlsx"}}

	report := Deliver(context.Background(), sender, []DeliveryTask{
		chunkTask("U1", "hello", true, nil, file),
		chunkTask("U2", "hello", true, nil, file),
		chunkTask("U3", "hello", true, nil, file),
	})
	// U1's message fails but its upload is still attempted
	if report != (DeliveryReport{Sent: 2, Uploaded: 2, Failed: 2}) {
		t.Fatalf("Deliver() = %+v", report)
	}
}

func TestPlanDeliverCountsUnresolvedRecipients(t *testing.T) {
	plan := Plan{
		Recipients: map[Audience][]Recipient{
			Executives: {{Email: "ceo@example.com", ID: "U1"}, {Email: "ghost@example.com", Err: errors.New("users_not_found")}},
			SalesTeam:  {{Email: "nobody@example.com", Err: errors.New("users_not_found")}},
		},
		Tasks: []DeliveryTask{chunkTask("U1", "hello", true, nil)},
	}
	report := plan.Deliver(context.Background(), newFakeSender())
	if report != (DeliveryReport{Sent: 1, Skipped: 2}) {
		t.Fatalf("Deliver() = %+v", report)
	}
}

func TestDeliverNothing(t *testing.T) {
	if report := Deliver(context.Background(), newFakeSender(), nil); report != (DeliveryReport{}) {
		t.Fatalf("Deliver() = %+v", report)
	}
}
