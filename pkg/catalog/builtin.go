package catalog

func builtinEntries() []Entry {
	return []Entry{
		{
			Name:        "compss-under-allocation",
			Description: "Average task time over pending tasks per computing unit of a COMPSs application",
			Expr: `sum by ({{subject_label_list}}) (compss_avgTime_ratio{CoreSignature="{{ compssTask }}", {{subject_label_selector}}} * compss_pendTasks_ratio{CoreSignature="{{ compssTask }}", {{subject_label_selector}}})` +
				` / sum by ({{subject_label_list}}) (compss_node_info{property="computing_units", {{subject_label_selector}}}) / 1000`,
			ViolatedIf: "> {{thresholdTimeSeconds}}",
			Thresholds: map[string]float64{
				"warning":  200,
				"critical": 500,
			},
		},
		{
			Name:        "cpu-usage-host",
			Description: "CPU usage of the selected hosts",
			Expr:        `avg by(icos_host_name, {{subject_label_list}}) (1 - rate(node_cpu_seconds_total{mode="idle", {{subject_label_selector}}}[2m]))`,
			ViolatedIf:  "> {{maxCpuUsagePercent}}",
		},
		{
			Name:        "app-host-cpu-usage",
			Description: "CPU usage of the hosts running the selected application",
			Expr:        `tlum_workload_info{ {{subject_label_selector}} } *on(icos_host_id) group_left avg without (cpu) (1 - rate(node_cpu_seconds_total{mode="idle"}[2m]))`,
			ViolatedIf:  "> {{maxCpu}}",
		},
	}
}
