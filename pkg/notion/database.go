package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// maxQueryPages bounds a QueryAll walk; the review database holds open
// candidates only, so hitting it means a runaway cursor.
const maxQueryPages = 200

// QueryAll returns every page matching filter, following cursors.
func QueryAll(ctx context.Context, c Client, dbID string, filter *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	var all []notionapi.Page
	var cursor notionapi.Cursor
	for page := range maxQueryPages {
		req := &notionapi.DatabaseQueryRequest{StartCursor: cursor}
		if filter != nil {
			req.Filter = filter.Filter
			req.Sorts = filter.Sorts
			req.PageSize = filter.PageSize
		}
		resp, err := c.QueryDatabase(ctx, dbID, req)
		if err != nil {
			return nil, eris.Wrapf(err, "notion: query page %d", page+1)
		}
		all = append(all, resp.Results...)
		if !resp.HasMore || resp.NextCursor == "" {
			return all, nil
		}
		cursor = resp.NextCursor
	}
	return nil, eris.Errorf("notion: database %s exceeds %d result pages", dbID, maxQueryPages)
}

// QueryByStatus fetches every page whose Status property equals status.
func QueryByStatus(ctx context.Context, c Client, dbID, status string) ([]notionapi.Page, error) {
	filter := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: "Status",
			Status:   &notionapi.StatusFilterCondition{Equals: status},
		},
	}
	pages, err := QueryAll(ctx, c, dbID, filter)
	if err != nil {
		return nil, eris.Wrapf(err, "notion: query status %q", status)
	}
	return pages, nil
}

// FindByText returns the first page whose rich text property equals value,
// or nil when there is none.
func FindByText(ctx context.Context, c Client, dbID, property, value string) (*notionapi.Page, error) {
	resp, err := c.QueryDatabase(ctx, dbID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: property,
			RichText: &notionapi.TextFilterCondition{Equals: value},
		},
		PageSize: 1,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "notion: find %s=%s", property, value)
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}
