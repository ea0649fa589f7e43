package notify

import (
	"context"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// NotionClient is the slice of the Notion API the sink uses.
type NotionClient interface {
	CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error)
}

// notionClient throttles page creation to Notion's rate limit.
type notionClient struct {
	inner   *notionapi.Client
	limiter *rate.Limiter
}

// NewNotionClient creates a client for token, throttled to rps requests per
// second (3 when rps is not positive).
func NewNotionClient(token string, rps float64) NotionClient {
	if rps <= 0 {
		rps = 3
	}
	return &notionClient{
		inner:   notionapi.NewClient(notionapi.Token(token)),
		limiter: rate.NewLimiter(rate.Limit(rps), max(int(rps), 1)),
	}
}

func (c *notionClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "notion: rate limit")
	}
	page, err := c.inner.Page.Create(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "notion: create page")
	}
	return page, nil
}

// NotionSink records each finished search as a page in a Notion database
// with Name, Status, Provider, Kind, Leads, Error and Finished properties.
type NotionSink struct {
	client     NotionClient
	databaseID string
	now        func() time.Time
}

// NewNotionSink creates a sink writing to databaseID.
func NewNotionSink(client NotionClient, databaseID string) *NotionSink {
	return &NotionSink{client: client, databaseID: databaseID, now: time.Now}
}

func (n *NotionSink) Name() string { return "notion" }

func (n *NotionSink) Post(ctx context.Context, msg Message) error {
	p := msg.Payload
	finished := notionapi.Date(n.now())
	props := notionapi.Properties{
		"Name": notionapi.TitleProperty{
			Type:  notionapi.PropertyTypeTitle,
			Title: richText(msg.Text),
		},
		"Lead Search": notionapi.RichTextProperty{
			Type:     notionapi.PropertyTypeRichText,
			RichText: richText(p.LeadSearchID),
		},
		"Status": notionapi.SelectProperty{
			Type:   notionapi.PropertyTypeSelect,
			Select: notionapi.Option{Name: string(p.Status)},
		},
		"Provider": notionapi.RichTextProperty{
			Type:     notionapi.PropertyTypeRichText,
			RichText: richText(p.Provider),
		},
		"Kind": notionapi.SelectProperty{
			Type:   notionapi.PropertyTypeSelect,
			Select: notionapi.Option{Name: string(p.Kind)},
		},
		"Duration (s)": notionapi.NumberProperty{
			Type:   notionapi.PropertyTypeNumber,
			Number: float64(p.DurationMs) / 1000,
		},
		"Finished": notionapi.DateProperty{
			Type: notionapi.PropertyTypeDate,
			Date: &notionapi.DateObject{Start: &finished},
		},
	}
	if p.TotalLeads != nil {
		props["Leads"] = notionapi.NumberProperty{
			Type:   notionapi.PropertyTypeNumber,
			Number: float64(*p.TotalLeads),
		}
	}
	if p.ErrorMessage != "" {
		props["Error"] = notionapi.RichTextProperty{
			Type:     notionapi.PropertyTypeRichText,
			RichText: richText(p.ErrorMessage),
		}
	}

	_, err := n.client.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(n.databaseID),
		},
		Properties: props,
	})
	if err != nil {
		return eris.Wrap(err, "notify: create notion page for lead search "+p.LeadSearchID)
	}
	return nil
}

func richText(s string) []notionapi.RichText {
	const limit = 2000
	if len(s) > limit {
		s = s[:limit]
	}
	return []notionapi.RichText{{Type: notionapi.ObjectTypeText, Text: &notionapi.Text{Content: s}}}
}
