// Package all 导入所有内置输出插件，触发它们的注册
package all

import (
	_ "yqhp/perfsec/pkg/output/csv"
	_ "yqhp/perfsec/pkg/output/influxdb"
	_ "yqhp/perfsec/pkg/output/json"
	_ "yqhp/perfsec/pkg/output/prometheus"
	_ "yqhp/perfsec/pkg/output/webhook"
)
