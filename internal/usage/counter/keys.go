package counter

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// All keys of one tenant share a hash tag so scripts touching the counter and
// the registry stay on one cluster slot.

func counterKey(prefix string, tenantID snowflake.ID, metric, period string) string {
	return fmt.Sprintf("%s:{%s}:usage:%s:%s", prefix, tenantID.String(), metric, period)
}

func registryKey(prefix string, tenantID snowflake.ID) string {
	return fmt.Sprintf("%s:{%s}:metrics", prefix, tenantID.String())
}

func limitKey(prefix string, tenantID snowflake.ID, metric string) string {
	return fmt.Sprintf("%s:{%s}:limit:%s", prefix, tenantID.String(), metric)
}

func thresholdKey(prefix string, tenantID snowflake.ID, metric string, percentage int) string {
	return fmt.Sprintf("%s:{%s}:threshold:%s:%d", prefix, tenantID.String(), metric, percentage)
}
