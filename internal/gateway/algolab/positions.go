package algolab

import (
	"context"
)

// InstantPositions fetches the broker's live view of holdings for one sub
// account. Rows with an empty symbol (cash lines) are dropped.
func (c *Client) InstantPositions(ctx context.Context, userID, subAccount string) ([]PositionReport, error) {
	hash, err := c.hashFor(userID)
	if err != nil {
		return nil, err
	}
	content, _, err := c.postRetry(ctx, epInstantPosition, subAccountRequest{SubAccount: subAccount}, hash, true)
	if err != nil {
		return nil, err
	}
	rows := content.Array()
	out := make([]PositionReport, 0, len(rows))
	for _, row := range rows {
		rep := parsePositionReport(row)
		if rep.Symbol == "" {
			continue
		}
		out = append(out, rep)
	}
	return out, nil
}
